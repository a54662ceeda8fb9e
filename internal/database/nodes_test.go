package database

import (
	"context"
	"errors"
	"fmt"
	"magazyn-plikow/internal/models"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Funkcja pomocnicza do tworzenia użytkownika na potrzeby testów
func createTestUserForNodes(t *testing.T, username string) int64 {
	var userID int64
	query := `INSERT INTO users (username, password_hash, display_name) VALUES ($1, 'hash', 'Node Test User') RETURNING id`
	err := testStore.pool.QueryRow(context.Background(), query, username).Scan(&userID)
	require.NoError(t, err)
	require.NotZero(t, userID)
	return userID
}

// Funkcja pomocnicza do tworzenia węzła (pliku/folderu)
func createTestNode(t *testing.T, params CreateNodeParams) *models.Node {
	if params.NodeType == "" {
		params.NodeType = models.NodeTypeFolder
	}
	if params.NodeType == models.NodeTypeFile && params.Location == nil {
		location := "test/" + params.ID
		params.Location = &location
	}
	node, err := testStore.CreateNode(context.Background(), params)
	require.NoError(t, err)
	require.NotNil(t, node)
	return node
}

func TestCreateNode(t *testing.T) {
	ownerID := createTestUserForNodes(t, "user_create_node")

	params := CreateNodeParams{
		ID:       "test_folder_id_123",
		OwnerID:  ownerID,
		ParentID: nil,
		Name:     "Test Folder",
		NodeType: models.NodeTypeFolder,
	}

	createdNode, err := testStore.CreateNode(context.Background(), params)

	require.NoError(t, err)
	require.NotNil(t, createdNode)

	require.Equal(t, params.ID, createdNode.ID)
	require.Equal(t, params.OwnerID, createdNode.OwnerID)
	require.Equal(t, params.Name, createdNode.Name)
	require.True(t, createdNode.IsFolder())
	require.Nil(t, createdNode.ParentID)
	require.Nil(t, createdNode.Location)
	require.Zero(t, createdNode.SizeBytes)
	require.NotZero(t, createdNode.CreatedAt)

	location := ownerKey(ownerID, "test_file_id_123")
	mime := "text/plain"
	file, err := testStore.CreateNode(context.Background(), CreateNodeParams{
		ID:        "test_file_id_123",
		OwnerID:   ownerID,
		ParentID:  &createdNode.ID,
		Name:      "a.txt",
		NodeType:  models.NodeTypeFile,
		Location:  &location,
		SizeBytes: 3,
		MimeType:  &mime,
	})
	require.NoError(t, err)
	require.Equal(t, int64(3), file.SizeBytes)
	require.NotNil(t, file.Location)
	require.Equal(t, location, *file.Location)

	found, err := testStore.GetNodeByID(context.Background(), file.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, createdNode.ID, *found.ParentID)

	missing, err := testStore.GetNodeByID(context.Background(), "non_existent_id")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestCreateNode_FileWithoutLocationRejected(t *testing.T) {
	ownerID := createTestUserForNodes(t, "user_file_no_location")

	_, err := testStore.CreateNode(context.Background(), CreateNodeParams{
		ID:        "file_no_location",
		OwnerID:   ownerID,
		Name:      "orphan.txt",
		NodeType:  models.NodeTypeFile,
		SizeBytes: 1,
	})
	require.Error(t, err)
}

func TestCreateNode_DuplicateName(t *testing.T) {
	ownerID := createTestUserForNodes(t, "user_duplicate_name")
	folder := createTestNode(t, CreateNodeParams{ID: "dup_folder", OwnerID: ownerID, Name: "Folder"})
	createTestNode(t, CreateNodeParams{ID: "dup_child_1", OwnerID: ownerID, ParentID: &folder.ID, Name: "x.txt", NodeType: models.NodeTypeFile})

	location := "test/dup_child_2"
	_, err := testStore.CreateNode(context.Background(), CreateNodeParams{
		ID: "dup_child_2", OwnerID: ownerID, ParentID: &folder.ID, Name: "x.txt", NodeType: models.NodeTypeFile, Location: &location,
	})
	require.ErrorIs(t, err, ErrDuplicateNodeName)

	// Ta sama nazwa w katalogu głównym też jest konfliktem
	_, err = testStore.CreateNode(context.Background(), CreateNodeParams{
		ID: "dup_root", OwnerID: ownerID, Name: "Folder", NodeType: models.NodeTypeFolder,
	})
	require.ErrorIs(t, err, ErrDuplicateNodeName)
}

func TestCreateNode_MissingParent(t *testing.T) {
	ownerID := createTestUserForNodes(t, "user_missing_parent")
	parentID := "no_such_parent"

	_, err := testStore.CreateNode(context.Background(), CreateNodeParams{
		ID: "orphan_folder", OwnerID: ownerID, ParentID: &parentID, Name: "Orphan", NodeType: models.NodeTypeFolder,
	})
	require.ErrorIs(t, err, ErrParentNotFound)
}

func TestCreateNode_InvalidUTF8Name(t *testing.T) {
	ownerID := createTestUserForNodes(t, "user_invalid_utf8")

	_, err := testStore.CreateNode(context.Background(), CreateNodeParams{
		ID: "bad_utf8_folder", OwnerID: ownerID, Name: "\xffabc", NodeType: models.NodeTypeFolder,
	})
	require.ErrorIs(t, err, ErrInvalidText)
}

func TestGetNodesByParentID(t *testing.T) {
	ownerID := createTestUserForNodes(t, "user_get_nodes")

	// Arrange: Stwórz pliki w katalogu głównym (parent_id = NULL)
	createTestNode(t, CreateNodeParams{ID: "get_nodes_root_file1", OwnerID: ownerID, Name: "A_Root File", NodeType: models.NodeTypeFile})
	createTestNode(t, CreateNodeParams{ID: "get_nodes_root_fold", OwnerID: ownerID, Name: "Z_Root Folder"})

	// Arrange: Stwórz pliki w podfolderze
	parentFolder := createTestNode(t, CreateNodeParams{ID: "get_nodes_parent", OwnerID: ownerID, Name: "Parent"})
	createTestNode(t, CreateNodeParams{ID: "get_nodes_child_file", OwnerID: ownerID, ParentID: &parentFolder.ID, Name: "Child File", NodeType: models.NodeTypeFile})

	// Test 1: Pobieranie z katalogu głównego
	rootNodes, err := testStore.GetNodesByParentID(context.Background(), ownerID, nil, 50, 0)
	require.NoError(t, err)
	require.Len(t, rootNodes, 3)
	// Sprawdź sortowanie (foldery najpierw, potem alfabetycznie)
	require.Equal(t, "Parent", rootNodes[0].Name)
	require.Equal(t, "Z_Root Folder", rootNodes[1].Name)
	require.Equal(t, "A_Root File", rootNodes[2].Name)

	// Test 2: Pobieranie z podfolderu
	childNodes, err := testStore.GetNodesByParentID(context.Background(), ownerID, &parentFolder.ID, 50, 0)
	require.NoError(t, err)
	require.Len(t, childNodes, 1)
	require.Equal(t, "Child File", childNodes[0].Name)

	// Test 3: Paginacja
	page, err := testStore.GetNodesByParentID(context.Background(), ownerID, nil, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "Z_Root Folder", page[0].Name)

	all, err := testStore.ListNodesByOwner(context.Background(), ownerID, 50, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
}

func TestSumChildSizesAndUpdateNodeSize(t *testing.T) {
	ctx := context.Background()
	ownerID := createTestUserForNodes(t, "user_sizes")
	folder := createTestNode(t, CreateNodeParams{ID: "size_folder", OwnerID: ownerID, Name: "Sizes"})
	createTestNode(t, CreateNodeParams{ID: "size_file_1", OwnerID: ownerID, ParentID: &folder.ID, Name: "a", NodeType: models.NodeTypeFile, SizeBytes: 3})
	createTestNode(t, CreateNodeParams{ID: "size_file_2", OwnerID: ownerID, ParentID: &folder.ID, Name: "b", NodeType: models.NodeTypeFile, SizeBytes: 5})
	sub := createTestNode(t, CreateNodeParams{ID: "size_sub", OwnerID: ownerID, ParentID: &folder.ID, Name: "sub"})

	_, err := testStore.UpdateNodeSize(ctx, sub.ID, 7)
	require.NoError(t, err)

	total, err := testStore.SumChildSizes(ctx, folder.ID)
	require.NoError(t, err)
	require.Equal(t, int64(15), total)

	empty, err := testStore.SumChildSizes(ctx, "no_children_here")
	require.NoError(t, err)
	require.Zero(t, empty)

	updated, err := testStore.UpdateNodeSize(ctx, folder.ID, total)
	require.NoError(t, err)
	require.True(t, updated)

	// Rozmiar pliku nie może być nadpisany przez agregację
	updated, err = testStore.UpdateNodeSize(ctx, "size_file_1", 100)
	require.NoError(t, err)
	require.False(t, updated)

	reloaded, err := testStore.GetNodeByID(ctx, folder.ID)
	require.NoError(t, err)
	require.Equal(t, int64(15), reloaded.SizeBytes)
}

func TestListDescendantFiles(t *testing.T) {
	ctx := context.Background()
	ownerID := createTestUserForNodes(t, "user_descendants")
	root := createTestNode(t, CreateNodeParams{ID: "desc_root", OwnerID: ownerID, Name: "root"})
	sub := createTestNode(t, CreateNodeParams{ID: "desc_sub", OwnerID: ownerID, ParentID: &root.ID, Name: "sub"})
	deep := createTestNode(t, CreateNodeParams{ID: "desc_deep", OwnerID: ownerID, ParentID: &sub.ID, Name: "deep"})
	createTestNode(t, CreateNodeParams{ID: "desc_empty", OwnerID: ownerID, ParentID: &root.ID, Name: "empty"})
	createTestNode(t, CreateNodeParams{ID: "desc_f1", OwnerID: ownerID, ParentID: &root.ID, Name: "a.txt", NodeType: models.NodeTypeFile, SizeBytes: 3})
	createTestNode(t, CreateNodeParams{ID: "desc_f2", OwnerID: ownerID, ParentID: &sub.ID, Name: "b.txt", NodeType: models.NodeTypeFile, SizeBytes: 5})
	createTestNode(t, CreateNodeParams{ID: "desc_f3", OwnerID: ownerID, ParentID: &deep.ID, Name: "c.txt", NodeType: models.NodeTypeFile, SizeBytes: 1})

	files, err := testStore.ListDescendantFiles(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, files, 3)

	paths := []string{files[0].RelPath, files[1].RelPath, files[2].RelPath}
	require.Equal(t, []string{"a.txt", "sub/b.txt", "sub/deep/c.txt"}, paths)
	require.Equal(t, "desc_f3", files[2].ID)
	require.NotNil(t, files[2].Location)

	none, err := testStore.ListDescendantFiles(ctx, "desc_empty")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestDeleteSubtree(t *testing.T) {
	ctx := context.Background()
	ownerID := createTestUserForNodes(t, "user_delete_subtree")
	otherID := createTestUserForNodes(t, "other_delete_subtree")

	// Arrange: Stwórz strukturę folder -> subfolder -> plik
	folder := createTestNode(t, CreateNodeParams{ID: "del_folder", OwnerID: ownerID, Name: "Folder"})
	subfolder := createTestNode(t, CreateNodeParams{ID: "del_subfolder", OwnerID: ownerID, ParentID: &folder.ID, Name: "Subfolder"})
	createTestNode(t, CreateNodeParams{ID: "del_file", OwnerID: ownerID, ParentID: &subfolder.ID, Name: "plik.txt", NodeType: models.NodeTypeFile})

	// Cudzy użytkownik nie może usunąć drzewa
	locations, err := testStore.DeleteSubtree(ctx, folder.ID, otherID)
	require.NoError(t, err)
	require.Empty(t, locations)

	locations, err = testStore.DeleteSubtree(ctx, folder.ID, ownerID)
	require.NoError(t, err)
	require.Equal(t, []string{"test/del_file"}, locations)

	var count int
	query := `SELECT count(*) FROM nodes WHERE id IN ($1, $2, $3)`
	err = testStore.pool.QueryRow(ctx, query, "del_folder", "del_subfolder", "del_file").Scan(&count)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestMoveNode(t *testing.T) {
	ownerID := createTestUserForNodes(t, "user_move_node")
	folder1 := createTestNode(t, CreateNodeParams{ID: "move_folder1", OwnerID: ownerID, Name: "Folder 1"})
	folder2 := createTestNode(t, CreateNodeParams{ID: "move_folder2", OwnerID: ownerID, Name: "Folder 2"})
	nodeToMove := createTestNode(t, CreateNodeParams{ID: "node_to_move", OwnerID: ownerID, ParentID: &folder1.ID, Name: "File to Move", NodeType: models.NodeTypeFile})

	// Act: Przenieś plik z folder1 do folder2
	success, err := testStore.MoveNode(context.Background(), nodeToMove.ID, ownerID, &folder2.ID)

	// Assert: Sprawdź, czy operacja się powiodła i czy plik ma nowego rodzica
	require.NoError(t, err)
	require.True(t, success)

	movedNode, err := testStore.GetNodeByID(context.Background(), nodeToMove.ID)
	require.NoError(t, err)
	require.NotNil(t, movedNode.ParentID)
	require.Equal(t, folder2.ID, *movedNode.ParentID)

	// Act/Assert: Próba przeniesienia do nieistniejącego folderu
	nonExistentParentID := "non_existent_folder_x"
	success, err = testStore.MoveNode(context.Background(), nodeToMove.ID, ownerID, &nonExistentParentID)
	require.ErrorIs(t, err, ErrParentNotFound)
	require.False(t, success)
}

func TestRenameNode(t *testing.T) {
	ownerID := createTestUserForNodes(t, "user_rename_node")
	createTestNode(t, CreateNodeParams{ID: "rename_a", OwnerID: ownerID, Name: "A"})
	createTestNode(t, CreateNodeParams{ID: "rename_b", OwnerID: ownerID, Name: "B"})

	success, err := testStore.RenameNode(context.Background(), "rename_a", ownerID, "C")
	require.NoError(t, err)
	require.True(t, success)

	_, err = testStore.RenameNode(context.Background(), "rename_b", ownerID, "C")
	require.ErrorIs(t, err, ErrDuplicateNodeName)
}

func TestIsDescendantOf(t *testing.T) {
	ownerID := createTestUserForNodes(t, "user_is_descendant")
	top := createTestNode(t, CreateNodeParams{ID: "anc_top", OwnerID: ownerID, Name: "top"})
	mid := createTestNode(t, CreateNodeParams{ID: "anc_mid", OwnerID: ownerID, ParentID: &top.ID, Name: "mid"})
	createTestNode(t, CreateNodeParams{ID: "anc_low", OwnerID: ownerID, ParentID: &mid.ID, Name: "low"})

	ok, err := testStore.IsDescendantOf(context.Background(), "anc_top", "anc_low")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = testStore.IsDescendantOf(context.Background(), "anc_low", "anc_top")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = testStore.IsDescendantOf(context.Background(), "anc_mid", "anc_mid")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestExecTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	ownerID := createTestUserForNodes(t, "user_exec_tx")
	boom := errors.New("boom")

	err := testStore.ExecTx(ctx, func(q *Queries) error {
		if _, err := q.CreateNode(ctx, CreateNodeParams{ID: "tx_folder", OwnerID: ownerID, Name: "tx", NodeType: models.NodeTypeFolder}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	exists, err := testStore.NodeExists(ctx, "tx_folder")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestLockOwnerTree_SerializesTransactions(t *testing.T) {
	ctx := context.Background()
	ownerID := createTestUserForNodes(t, "user_tree_lock")

	locked := make(chan struct{})
	release := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- testStore.ExecTx(ctx, func(q *Queries) error {
			if err := q.LockOwnerTree(ctx, ownerID); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	acquired := make(chan error, 1)
	go func() {
		acquired <- testStore.ExecTx(ctx, func(q *Queries) error {
			return q.LockOwnerTree(ctx, ownerID)
		})
	}()

	// Druga transakcja czeka, dopóki pierwsza trzyma blokadę
	select {
	case err := <-acquired:
		t.Fatalf("blokada przejęta zbyt wcześnie: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-firstDone)

	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("blokada nie została zwolniona po zatwierdzeniu transakcji")
	}
}

func TestRecursiveQueriesTerminateOnCycle(t *testing.T) {
	ownerID := createTestUserForNodes(t, "user_cycle_guard")
	a := createTestNode(t, CreateNodeParams{ID: "cycle_a", OwnerID: ownerID, Name: "a"})
	b := createTestNode(t, CreateNodeParams{ID: "cycle_b", OwnerID: ownerID, ParentID: &a.ID, Name: "b"})
	createTestNode(t, CreateNodeParams{ID: "cycle_file", OwnerID: ownerID, ParentID: &b.ID, Name: "f.txt", NodeType: models.NodeTypeFile, SizeBytes: 1})

	// Arrange: uszkodzone drzewo, a i b są nawzajem swoimi rodzicami
	_, err := testStore.pool.Exec(context.Background(), `UPDATE nodes SET parent_id = $1 WHERE id = $2`, b.ID, a.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ok, err := testStore.IsDescendantOf(ctx, a.ID, "no_such_node")
	require.NoError(t, err)
	require.False(t, ok)

	files, err := testStore.ListDescendantFiles(ctx, a.ID)
	require.NoError(t, err)
	require.NotEmpty(t, files)

	locations, err := testStore.DeleteSubtree(ctx, a.ID, ownerID)
	require.NoError(t, err)
	require.Len(t, locations, 1)

	exists, err := testStore.NodeExists(ctx, b.ID)
	require.NoError(t, err)
	require.False(t, exists)
}

func ownerKey(ownerID int64, id string) string {
	return fmt.Sprintf("%d/%s", ownerID, id)
}
