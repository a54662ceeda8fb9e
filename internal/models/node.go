package models

import "time"

const (
	NodeTypeFile   = "file"
	NodeTypeFolder = "folder"
)

// Node is a single entry of a user's tree. Folders carry no location and
// their SizeBytes is the sum of their descendants' file sizes.
type Node struct {
	ID         string    `json:"id"`
	OwnerID    int64     `json:"owner_id"`
	ParentID   *string   `json:"parent_id"`
	Name       string    `json:"name"`
	NodeType   string    `json:"node_type"`
	Location   *string   `json:"-"`
	SizeBytes  int64     `json:"size_bytes"`
	MimeType   *string   `json:"mime_type"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

func (n *Node) IsFolder() bool {
	return n.NodeType == NodeTypeFolder
}

// DescendantFile is a file below some folder together with its path
// relative to that folder, using forward slashes.
type DescendantFile struct {
	Node
	RelPath string `json:"rel_path"`
}
