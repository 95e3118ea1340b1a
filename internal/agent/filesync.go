package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/minefleet/minefleet/internal/wire"
)

// maxChunkBytes bounds a single file chunk; anything larger is rejected
// before it is buffered.
const maxChunkBytes = 1 << 20

// transfer is the in-flight upload state for one server, keyed by path.
type transfer struct {
	files map[string]*fileBuf
}

type fileBuf struct {
	chunks map[int][]byte
	total  int
	sha    string
}

// safeJoin resolves rel under base and rejects any path that would escape
// it. The check runs on the cleaned lexical path, before any filesystem
// mutation.
func safeJoin(base, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("empty path")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("absolute path %q not allowed", rel)
	}
	base = filepath.Clean(base)
	p := filepath.Clean(filepath.Join(base, rel))
	if p != base && !strings.HasPrefix(p, base+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes server directory", rel)
	}
	return p, nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// handleManifest answers with the subset of paths whose local content is
// missing or differs from the advertised hash. Only those files are uploaded.
func (a *Agent) handleManifest(call wire.Frame) wire.Frame {
	var m wire.FileManifest
	if err := call.Decode(&m); err != nil {
		return wire.AckErr(call, wire.CodeValidation, err.Error())
	}
	if m.ServerID == "" {
		return wire.AckErr(call, wire.CodeValidation, "server_id required")
	}
	dir := a.serverDir(m.ServerID)
	needed := make([]string, 0, len(m.Files))
	for _, entry := range m.Files {
		p, err := safeJoin(dir, entry.Path)
		if err != nil {
			return wire.AckErr(call, wire.CodePath, err.Error())
		}
		sum, err := fileSHA256(p)
		if err != nil || !strings.EqualFold(sum, entry.SHA256) {
			needed = append(needed, entry.Path)
		}
	}

	a.mu.Lock()
	a.transfers[m.ServerID] = &transfer{files: make(map[string]*fileBuf)}
	a.mu.Unlock()

	ack, err := wire.AckOK(call, wire.ManifestReply{Needed: needed})
	if err != nil {
		return wire.AckErr(call, wire.CodeInternal, err.Error())
	}
	return ack
}

// handleChunk buffers one piece of a file and, once all pieces for the path
// are present, verifies the whole-file hash and writes it to disk.
func (a *Agent) handleChunk(call wire.Frame) wire.Frame {
	var c wire.FileChunk
	if err := call.Decode(&c); err != nil {
		return wire.AckErr(call, wire.CodeValidation, err.Error())
	}
	if c.Total <= 0 || c.Index < 0 || c.Index >= c.Total {
		return wire.AckErr(call, wire.CodeValidation,
			fmt.Sprintf("chunk %d/%d out of range", c.Index, c.Total))
	}
	if len(c.Data) > maxChunkBytes {
		return wire.AckErr(call, wire.CodeValidation, "chunk exceeds size limit")
	}
	dir := a.serverDir(c.ServerID)
	dst, err := safeJoin(dir, c.Path)
	if err != nil {
		return wire.AckErr(call, wire.CodePath, err.Error())
	}

	a.mu.Lock()
	tr := a.transfers[c.ServerID]
	if tr == nil {
		tr = &transfer{files: make(map[string]*fileBuf)}
		a.transfers[c.ServerID] = tr
	}
	fb := tr.files[c.Path]
	if fb == nil {
		fb = &fileBuf{chunks: make(map[int][]byte), total: c.Total, sha: c.SHA256}
		tr.files[c.Path] = fb
	}
	fb.chunks[c.Index] = c.Data
	complete := len(fb.chunks) == fb.total
	a.mu.Unlock()

	if !complete {
		ack, _ := wire.AckOK(call, nil)
		return ack
	}

	if err := a.assemble(dst, fb); err != nil {
		a.mu.Lock()
		delete(tr.files, c.Path)
		a.mu.Unlock()
		return wire.AckErr(call, wire.CodePath, err.Error())
	}
	a.mu.Lock()
	delete(tr.files, c.Path)
	a.mu.Unlock()
	a.log.Info("file synced", "server", c.ServerID, "path", c.Path, "chunks", fb.total)
	ack, _ := wire.AckOK(call, nil)
	return ack
}

// assemble joins the buffered chunks in index order, checks the whole-file
// hash, and writes the result atomically via a temp file rename.
func (a *Agent) assemble(dst string, fb *fileBuf) error {
	idx := make([]int, 0, len(fb.chunks))
	for i := range fb.chunks {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	h := sha256.New()
	var buf []byte
	for _, i := range idx {
		h.Write(fb.chunks[i])
		buf = append(buf, fb.chunks[i]...)
	}
	if sum := hex.EncodeToString(h.Sum(nil)); !strings.EqualFold(sum, fb.sha) {
		return fmt.Errorf("hash mismatch: got %s want %s", sum, fb.sha)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	tmp := dst + ".part"
	if err := os.WriteFile(tmp, buf, 0o640); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

// handleFileEnd closes the transfer for a server and reports any paths that
// never completed.
func (a *Agent) handleFileEnd(call wire.Frame) wire.Frame {
	var end wire.FileEnd
	if err := call.Decode(&end); err != nil {
		return wire.AckErr(call, wire.CodeValidation, err.Error())
	}
	a.mu.Lock()
	tr := a.transfers[end.ServerID]
	delete(a.transfers, end.ServerID)
	a.mu.Unlock()
	if tr != nil && len(tr.files) > 0 {
		incomplete := make([]string, 0, len(tr.files))
		for p := range tr.files {
			incomplete = append(incomplete, p)
		}
		sort.Strings(incomplete)
		return wire.AckErr(call, wire.CodeValidation,
			"incomplete files: "+strings.Join(incomplete, ", "))
	}
	ack, _ := wire.AckOK(call, nil)
	return ack
}
