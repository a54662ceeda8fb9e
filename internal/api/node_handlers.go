package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"magazyn-plikow/internal/drive"
	"magazyn-plikow/internal/models"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

const (
	// multipartMemory is how much of a multipart body is kept in memory
	// before the rest is spooled to disk.
	multipartMemory = 32 << 20
	// maxArchiveUpload bounds the request body of an archive upload.
	maxArchiveUpload = 1 << 30
	// multipartOverhead leaves room for form boundaries and fields around
	// a single file part.
	multipartOverhead = 1 << 20
)

// attachment builds a Content-Disposition value; quotes and non-ASCII
// names are escaped.
func attachment(filename string) string {
	return mime.FormatMediaType("attachment", map[string]string{"filename": filename})
}

type CreateFolderRequest struct {
	Name     string  `json:"name" example:"Dokumenty"`
	ParentID *string `json:"parent_id" example:"V1StGXR8_Z5jdHi6B-myT"`
}

type UpdateNodeRequest struct {
	Name *string `json:"name" example:"Nowa nazwa"`
	// ParentID moves the node; an empty string moves it to the root level.
	ParentID *string `json:"parent_id" example:"V1StGXR8_Z5jdHi6B-myT"`
}

func optionalID(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func parsePagination(r *http.Request) (int, int, error) {
	var limit, offset int
	var err error

	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			return 0, 0, fmt.Errorf("%w: invalid 'limit' parameter", drive.ErrInvalidInput)
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("%w: invalid 'offset' parameter", drive.ErrInvalidInput)
		}
	}
	return limit, offset, nil
}

// @Summary      Create a folder
// @Tags         nodes
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        request  body      CreateFolderRequest  true  "Folder"
// @Success      201      {object}  models.Node
// @Failure      400      {string}  string "Invalid request"
// @Failure      403      {string}  string "Forbidden"
// @Failure      404      {string}  string "Parent folder not found"
// @Failure      409      {string}  string "Name already taken"
// @Router       /nodes/folder [post]
func (s *Server) CreateFolderHandler(w http.ResponseWriter, r *http.Request) {
	claims := GetUserFromContext(r.Context())

	var req CreateFolderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	node, err := s.engine.CreateFolder(r.Context(), claims.UserID, req.ParentID, req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, node)
}

// @Summary      List folder contents
// @Description  Lists the direct children of a folder, or the root level when parent_id is omitted. Folders come first.
// @Tags         nodes
// @Produce      json
// @Security     BearerAuth
// @Param        parent_id  query     string  false  "Folder ID"
// @Param        limit      query     int     false  "Page size"
// @Param        offset     query     int     false  "Page offset"
// @Success      200        {array}   models.Node
// @Failure      400        {string}  string "Invalid request"
// @Failure      403        {string}  string "Forbidden"
// @Failure      404        {string}  string "Folder not found"
// @Router       /nodes [get]
func (s *Server) ListNodesHandler(w http.ResponseWriter, r *http.Request) {
	claims := GetUserFromContext(r.Context())

	limit, offset, err := parsePagination(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	parentID := optionalID(r.URL.Query().Get("parent_id"))
	nodes, err := s.engine.ListFolderContents(r.Context(), parentID, claims.UserID, limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, nodes)
}

// @Summary      List all nodes
// @Description  Lists every file and folder of the user regardless of depth.
// @Tags         nodes
// @Produce      json
// @Security     BearerAuth
// @Param        limit   query     int  false  "Page size"
// @Param        offset  query     int  false  "Page offset"
// @Success      200     {array}   models.Node
// @Router       /nodes/all [get]
func (s *Server) ListAllNodesHandler(w http.ResponseWriter, r *http.Request) {
	claims := GetUserFromContext(r.Context())

	limit, offset, err := parsePagination(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	nodes, err := s.engine.ListUserFiles(r.Context(), claims.UserID, limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, nodes)
}

// @Summary      Get a node
// @Tags         nodes
// @Produce      json
// @Security     BearerAuth
// @Param        nodeId  path      string  true  "Node ID"
// @Success      200     {object}  models.Node
// @Failure      403     {string}  string "Forbidden"
// @Failure      404     {string}  string "Not found"
// @Router       /nodes/{nodeId} [get]
func (s *Server) GetNodeHandler(w http.ResponseWriter, r *http.Request) {
	claims := GetUserFromContext(r.Context())

	node, err := s.engine.GetNode(r.Context(), chi.URLParam(r, "nodeId"), claims.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, node)
}

// @Summary      Upload a file
// @Tags         nodes
// @Accept       multipart/form-data
// @Produce      json
// @Security     BearerAuth
// @Param        file       formData  file    true   "File content"
// @Param        parent_id  formData  string  false  "Target folder ID"
// @Success      201        {object}  models.Node
// @Failure      400        {string}  string "Invalid request"
// @Failure      409        {string}  string "Name already taken"
// @Failure      413        {string}  string "File too large"
// @Failure      503        {string}  string "Storage unavailable"
// @Router       /nodes/file [post]
func (s *Server) UploadFileHandler(w http.ResponseWriter, r *http.Request) {
	claims := GetUserFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, s.engine.MaxFileSize()+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		s.writeMultipartError(w, r, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Error retrieving the file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	node, err := s.engine.UploadFile(r.Context(), drive.UploadFileParams{
		OwnerID:  claims.UserID,
		ParentID: optionalID(r.FormValue("parent_id")),
		Name:     header.Filename,
		Size:     header.Size,
		MimeType: header.Header.Get("Content-Type"),
		Content:  file,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, node)
}

// @Summary      Upload a folder as a ZIP archive
// @Description  Unpacks the archive into the target folder (or the root level). Either every file and folder is created or none is.
// @Tags         nodes
// @Accept       multipart/form-data
// @Produce      json
// @Security     BearerAuth
// @Param        archive    formData  file    true   "ZIP archive"
// @Param        parent_id  formData  string  false  "Target folder ID"
// @Success      201        {array}   models.Node
// @Failure      400        {string}  string "Invalid archive"
// @Failure      409        {string}  string "Name already taken"
// @Failure      413        {string}  string "File too large"
// @Failure      502        {string}  string "Upload failed and was rolled back"
// @Router       /nodes/archive [post]
func (s *Server) UploadArchiveHandler(w http.ResponseWriter, r *http.Request) {
	claims := GetUserFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxArchiveUpload)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		s.writeMultipartError(w, r, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	archive, header, err := r.FormFile("archive")
	if err != nil {
		http.Error(w, "Error retrieving the archive", http.StatusBadRequest)
		return
	}
	defer archive.Close()

	nodes, err := s.engine.IngestArchive(r.Context(), claims.UserID, archive, header.Size, optionalID(r.FormValue("parent_id")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, nodes)
}

func (s *Server) writeMultipartError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		s.writeError(w, r, fmt.Errorf("%w: request body exceeds %d bytes", drive.ErrSizeLimitExceeded, maxErr.Limit))
		return
	}
	http.Error(w, "Error parsing multipart form", http.StatusBadRequest)
}

// @Summary      Download a file
// @Tags         nodes
// @Produce      octet-stream
// @Security     BearerAuth
// @Param        nodeId  path      string  true  "File ID"
// @Success      200     {file}    file
// @Failure      400     {string}  string "Node is a folder"
// @Failure      403     {string}  string "Forbidden"
// @Failure      404     {string}  string "Not found"
// @Router       /nodes/{nodeId}/download [get]
func (s *Server) DownloadFileHandler(w http.ResponseWriter, r *http.Request) {
	claims := GetUserFromContext(r.Context())

	node, content, err := s.engine.DownloadFile(r.Context(), chi.URLParam(r, "nodeId"), claims.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer content.Close()

	w.Header().Set("Content-Disposition", attachment(node.Name))
	if node.MimeType != nil && *node.MimeType != "" {
		w.Header().Set("Content-Type", *node.MimeType)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Content-Length", strconv.FormatInt(node.SizeBytes, 10))

	if _, err := io.Copy(w, content); err != nil {
		s.log.Warn().Err(err).Str("node_id", node.ID).Msg("file download interrupted")
	}
}

// countingWriter remembers whether anything reached the client.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// @Summary      Download a folder as a ZIP archive
// @Description  Streams every file below the folder as one ZIP. A failure after streaming has started aborts the connection, leaving an invalid archive.
// @Tags         nodes
// @Produce      application/zip
// @Security     BearerAuth
// @Param        nodeId  path      string  true  "Folder ID"
// @Success      200     {file}    file
// @Failure      400     {string}  string "Node is not a folder"
// @Failure      403     {string}  string "Forbidden"
// @Failure      404     {string}  string "Not found or folder has no files"
// @Failure      502     {string}  string "A file could not be fetched"
// @Router       /nodes/{nodeId}/archive [get]
func (s *Server) DownloadArchiveHandler(w http.ResponseWriter, r *http.Request) {
	claims := GetUserFromContext(r.Context())
	folderID := chi.URLParam(r, "nodeId")

	folder, err := s.engine.GetNode(r.Context(), folderID, claims.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", attachment(folder.Name+".zip"))

	cw := &countingWriter{w: w}
	if err := s.engine.ExtractFolder(r.Context(), folderID, claims.UserID, cw); err != nil {
		if cw.n == 0 {
			w.Header().Del("Content-Disposition")
			s.writeError(w, r, err)
			return
		}
		s.log.Error().Err(err).Str("folder_id", folderID).Int64("bytes_sent", cw.n).Msg("archive stream aborted")
		panic(http.ErrAbortHandler)
	}
}

// @Summary      Rename or move a node
// @Tags         nodes
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        nodeId   path      string             true  "Node ID"
// @Param        request  body      UpdateNodeRequest  true  "Changes"
// @Success      200      {object}  models.Node
// @Failure      400      {string}  string "Invalid request"
// @Failure      403      {string}  string "Forbidden"
// @Failure      404      {string}  string "Not found"
// @Failure      409      {string}  string "Name already taken"
// @Router       /nodes/{nodeId} [patch]
func (s *Server) UpdateNodeHandler(w http.ResponseWriter, r *http.Request) {
	claims := GetUserFromContext(r.Context())
	nodeID := chi.URLParam(r, "nodeId")

	var req UpdateNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == nil && req.ParentID == nil {
		http.Error(w, "No update operation specified (provide 'name' or 'parent_id')", http.StatusBadRequest)
		return
	}

	var node *models.Node
	var err error

	if req.Name != nil {
		node, err = s.engine.RenameNode(r.Context(), nodeID, claims.UserID, *req.Name)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	if req.ParentID != nil {
		node, err = s.engine.MoveNode(r.Context(), nodeID, claims.UserID, optionalID(*req.ParentID))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, node)
}

// @Summary      Delete a node
// @Description  Deletes a file, or a folder together with everything below it.
// @Tags         nodes
// @Security     BearerAuth
// @Param        nodeId  path  string  true  "Node ID"
// @Success      204
// @Failure      403     {string}  string "Forbidden"
// @Failure      404     {string}  string "Not found"
// @Router       /nodes/{nodeId} [delete]
func (s *Server) DeleteNodeHandler(w http.ResponseWriter, r *http.Request) {
	claims := GetUserFromContext(r.Context())

	if err := s.engine.DeleteNode(r.Context(), chi.URLParam(r, "nodeId"), claims.UserID); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// @Summary      Recompute folder sizes
// @Description  Re-aggregates the sizes of the node's folder chain up to the root. Used to repair sizes after a failed aggregation.
// @Tags         nodes
// @Produce      json
// @Security     BearerAuth
// @Param        nodeId  path      string  true  "Node ID"
// @Success      200     {object}  models.Node
// @Failure      403     {string}  string "Forbidden"
// @Failure      404     {string}  string "Not found"
// @Failure      503     {string}  string "Repository unavailable"
// @Router       /nodes/{nodeId}/recompute [post]
func (s *Server) RecomputeNodeHandler(w http.ResponseWriter, r *http.Request) {
	claims := GetUserFromContext(r.Context())
	nodeID := chi.URLParam(r, "nodeId")

	if err := s.engine.RecomputeAncestors(r.Context(), nodeID, claims.UserID); err != nil {
		s.writeError(w, r, err)
		return
	}

	node, err := s.engine.GetNode(r.Context(), nodeID, claims.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}
