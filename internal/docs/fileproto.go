package docs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gorilla/websocket"
)

// File-oriented companion protocol, used by the alternate deployment that
// exchanges file operations instead of chat turns over the duplex channel.
const (
	fileReqCreate = "create_file"
	fileReqList   = "list_files"
	fileReqRead   = "read_file"
	fileReqDelete = "delete_file"

	fileRespConnected = "connected"
	fileRespResult    = "file_result"
	fileRespError     = "error"

	encodingUTF8   = "utf-8"
	encodingBase64 = "base64"
)

type fileRequest struct {
	Type     string `json:"type"`
	Path     string `json:"path,omitempty"`
	Content  string `json:"content,omitempty"`
	Encoding string `json:"encoding,omitempty"` // utf-8|base64
}

type fileResponse struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

type fileEntry struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	IsDirectory bool   `json:"is_directory"`
	Size        int64  `json:"size"`
}

type fileReadData struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

type fileWriteData struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

type fileListData struct {
	Entries []fileEntry `json:"entries"`
}

// FileHandler answers file-protocol requests against the same sandboxed
// vault root the document tools use.
type FileHandler struct {
	svc *Service
	log *slog.Logger
}

func NewFileHandler(svc *Service, log *slog.Logger) *FileHandler {
	if log == nil {
		log = slog.Default()
	}
	return &FileHandler{svc: svc, log: log.With("component", "docs.fileproto")}
}

// HelloFrame is the response sent once when a file-protocol peer attaches.
func HelloFrame() []byte {
	b, _ := json.Marshal(fileResponse{Type: fileRespConnected})
	return b
}

// Handle processes one request frame and always produces a response frame;
// malformed requests yield an error response, never a dropped connection.
func (h *FileHandler) Handle(payload []byte) []byte {
	if h == nil || h.svc == nil {
		return errorFrame("file handler not initialized")
	}
	var req fileRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return errorFrame("malformed request: " + err.Error())
	}

	var (
		data json.RawMessage
		err  error
	)
	switch strings.TrimSpace(req.Type) {
	case fileReqCreate:
		data, err = h.createFile(req)
	case fileReqList:
		data, err = h.listFiles(req)
	case fileReqRead:
		data, err = h.readFile(req)
	case fileReqDelete:
		data, err = h.deleteFile(req)
	case "":
		err = errors.New("request missing type")
	default:
		err = errors.New("unknown request type: " + req.Type)
	}
	if err != nil {
		return errorFrame(err.Error())
	}
	b, merr := json.Marshal(fileResponse{Type: fileRespResult, Data: data})
	if merr != nil {
		return errorFrame(merr.Error())
	}
	return b
}

func (h *FileHandler) createFile(req fileRequest) (json.RawMessage, error) {
	_, p, err := h.svc.resolve(req.Path)
	if err != nil {
		return nil, err
	}
	content, err := decodeContent(req.Content, req.Encoding)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(p, content, 0o644); err != nil {
		return nil, err
	}
	return json.Marshal(fileWriteData{Path: req.Path, Size: int64(len(content))})
}

func (h *FileHandler) listFiles(req fileRequest) (json.RawMessage, error) {
	dir := strings.TrimSpace(req.Path)
	if dir == "" {
		dir = "/"
	}
	vp, p, err := h.svc.resolveDir(dir)
	if err != nil {
		return nil, err
	}
	ents, err := os.ReadDir(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.New("not found")
		}
		return nil, err
	}
	out := make([]fileEntry, 0, len(ents))
	for _, e := range ents {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, fileEntry{
			Name:        name,
			Path:        path.Join(vp, name),
			IsDirectory: info.IsDir(),
			Size:        info.Size(),
		})
	}
	return json.Marshal(fileListData{Entries: out})
}

func (h *FileHandler) readFile(req fileRequest) (json.RawMessage, error) {
	_, p, err := h.svc.resolve(req.Path)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.New("not found")
		}
		return nil, err
	}
	enc := strings.ToLower(strings.TrimSpace(req.Encoding))
	switch enc {
	case "", encodingUTF8, "utf8":
		return json.Marshal(fileReadData{Path: req.Path, Content: string(b), Encoding: encodingUTF8})
	case encodingBase64:
		return json.Marshal(fileReadData{Path: req.Path, Content: base64.StdEncoding.EncodeToString(b), Encoding: encodingBase64})
	default:
		return nil, errors.New("unsupported encoding: " + req.Encoding)
	}
}

func (h *FileHandler) deleteFile(req fileRequest) (json.RawMessage, error) {
	_, p, err := h.svc.resolve(req.Path)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.New("not found")
		}
		return nil, err
	}
	return json.Marshal(fileWriteData{Path: req.Path})
}

// ServeConn runs the file protocol over one websocket connection: a
// connected frame, then one response per request until the peer goes away
// or the context ends.
func (h *FileHandler) ServeConn(ctx context.Context, conn *websocket.Conn) error {
	if h == nil || conn == nil {
		return errors.New("nil handler or connection")
	}
	if err := conn.WriteMessage(websocket.TextMessage, HelloFrame()); err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.TextMessage, h.Handle(payload)); err != nil {
			return err
		}
	}
}

func decodeContent(content string, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", encodingUTF8, "utf8":
		return []byte(content), nil
	case encodingBase64:
		b, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return nil, errors.New("invalid base64 content")
		}
		return b, nil
	default:
		return nil, errors.New("unsupported encoding: " + encoding)
	}
}

func errorFrame(msg string) []byte {
	b, _ := json.Marshal(fileResponse{Type: fileRespError, Error: msg})
	return b
}
