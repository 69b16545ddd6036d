// Package alisttest runs an in-memory remote service for tests. It serves
// the login, listing, detail, storage admin and download endpoints over a
// real httptest server.
package alisttest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BadgerOps/strmsync/internal/alist"
)

// Default credentials accepted by the fake login endpoint.
const (
	Username = "admin"
	Password = "secret"
)

// File is one remote file. Content may be nil for files that are only
// ever listed.
type File struct {
	Path     string
	Size     int64
	Modified time.Time
	Content  []byte
	RawURL   string
	Sign     string
}

// Server is a fake remote service.
type Server struct {
	*httptest.Server

	BasePath string
	// PermanentToken is accepted on every call without login.
	PermanentToken string

	mu        sync.Mutex
	files     map[string]*File
	storages  []alist.Storage
	nextID    int
	tokens    map[string]bool
	logins    int
	calls     map[string]int
	failList  map[string]int
	failCode  int
	rangeHits int
}

// New starts a server that is closed when the test ends.
func New(t testing.TB) *Server {
	s := &Server{
		files:    make(map[string]*File),
		tokens:   make(map[string]bool),
		calls:    make(map[string]int),
		failList: make(map[string]int),
		failCode: 500,
		nextID:   1,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("GET /api/me", s.authed(s.handleMe))
	mux.HandleFunc("POST /api/fs/list", s.authed(s.handleList))
	mux.HandleFunc("POST /api/fs/get", s.authed(s.handleGet))
	mux.HandleFunc("GET /api/admin/storage/list", s.authed(s.handleStorageList))
	mux.HandleFunc("POST /api/admin/storage/create", s.authed(s.handleStorageCreate))
	mux.HandleFunc("POST /api/admin/storage/update", s.authed(s.handleStorageUpdate))
	mux.HandleFunc("GET /d/", s.handleDownload)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// AddFile registers content at p with the given modification time.
func (s *Server) AddFile(p string, content []byte, modified time.Time) *File {
	return s.Put(&File{Path: p, Size: int64(len(content)), Modified: modified, Content: content})
}

// AddSized registers a listing-only file of the given size.
func (s *Server) AddSized(p string, size int64, modified time.Time) *File {
	return s.Put(&File{Path: p, Size: size, Modified: modified})
}

// Put registers f, replacing any file at the same path.
func (s *Server) Put(f *File) *File {
	f.Path = path.Join("/", f.Path)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[f.Path] = f
	return f
}

// Remove deletes the file at p.
func (s *Server) Remove(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, path.Join("/", p))
}

// FailList makes the next n listings of dir fail with an API error.
func (s *Server) FailList(dir string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failList[path.Join("/", dir)] = n
}

// SetFailCode sets the envelope code used by FailList.
func (s *Server) SetFailCode(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCode = code
}

// AddStorage registers a storage and returns its id.
func (s *Server) AddStorage(st alist.Storage) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.ID = s.nextID
	s.nextID++
	s.storages = append(s.storages, st)
	return st.ID
}

// Storages returns a copy of every storage.
func (s *Server) Storages() []alist.Storage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]alist.Storage(nil), s.storages...)
}

// Logins counts successful logins.
func (s *Server) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

// Calls counts authenticated calls per endpoint.
func (s *Server) Calls(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[endpoint]
}

// RangeHits counts download requests that carried a Range header.
func (s *Server) RangeHits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rangeHits
}

// ExpireTokens forgets every issued login token.
func (s *Server) ExpireTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string]bool)
}

func writeEnvelope(w http.ResponseWriter, code int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"code":    code,
		"message": message,
		"data":    data,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeEnvelope(w, 400, err.Error(), nil)
		return
	}
	if body.Username != Username || body.Password != Password {
		writeEnvelope(w, 400, "password is incorrect", nil)
		return
	}

	s.mu.Lock()
	s.logins++
	token := fmt.Sprintf("token-%d", s.logins)
	s.tokens[token] = true
	s.mu.Unlock()

	writeEnvelope(w, 200, "success", map[string]string{"token": token})
}

func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		s.mu.Lock()
		ok := s.tokens[token] || (s.PermanentToken != "" && token == s.PermanentToken)
		if ok {
			s.calls[r.URL.Path]++
		}
		s.mu.Unlock()
		if !ok {
			writeEnvelope(w, 401, "token is invalidated", nil)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, 200, "success", map[string]interface{}{
		"id":        1,
		"username":  Username,
		"base_path": s.BasePath,
	})
}

type fsBody struct {
	Path string `json:"path"`
}

type entryJSON struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	IsDir    bool   `json:"is_dir"`
	Modified string `json:"modified"`
	Created  string `json:"created"`
	Sign     string `json:"sign"`
	RawURL   string `json:"raw_url,omitempty"`
	Provider string `json:"provider,omitempty"`
}

func fileJSON(f *File, detail bool) entryJSON {
	e := entryJSON{
		Name:     path.Base(f.Path),
		Size:     f.Size,
		Modified: f.Modified.UTC().Format(time.RFC3339),
		Created:  f.Modified.UTC().Format(time.RFC3339),
		Sign:     f.Sign,
	}
	if detail {
		e.RawURL = f.RawURL
		e.Provider = "Local"
	}
	return e
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var body fsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeEnvelope(w, 400, err.Error(), nil)
		return
	}
	dir := path.Join("/", body.Path)

	s.mu.Lock()
	if n := s.failList[dir]; n > 0 {
		s.failList[dir] = n - 1
		code := s.failCode
		s.mu.Unlock()
		writeEnvelope(w, code, "storage unavailable", nil)
		return
	}

	prefix := strings.TrimRight(dir, "/") + "/"
	children := make(map[string]entryJSON)
	for p, f := range s.files {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		name, _, nested := strings.Cut(rest, "/")
		if nested {
			if _, ok := children[name]; !ok {
				children[name] = entryJSON{Name: name, IsDir: true, Modified: f.Modified.UTC().Format(time.RFC3339)}
			}
			continue
		}
		children[name] = fileJSON(f, false)
	}
	s.mu.Unlock()

	if len(children) == 0 && dir != "/" {
		writeEnvelope(w, 500, "object not found", nil)
		return
	}

	names := make([]string, 0, len(children))
	for name := range children {
		names = append(names, name)
	}
	sort.Strings(names)
	content := make([]entryJSON, 0, len(names))
	for _, name := range names {
		content = append(content, children[name])
	}
	writeEnvelope(w, 200, "success", map[string]interface{}{"content": content, "total": len(content)})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	var body fsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeEnvelope(w, 400, err.Error(), nil)
		return
	}
	s.mu.Lock()
	f, ok := s.files[path.Join("/", body.Path)]
	s.mu.Unlock()
	if !ok {
		writeEnvelope(w, 500, "object not found", nil)
		return
	}
	writeEnvelope(w, 200, "success", fileJSON(f, true))
}

func (s *Server) handleStorageList(w http.ResponseWriter, r *http.Request) {
	storages := s.Storages()
	writeEnvelope(w, 200, "success", map[string]interface{}{"content": storages, "total": len(storages)})
}

func (s *Server) handleStorageCreate(w http.ResponseWriter, r *http.Request) {
	var st alist.Storage
	if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
		writeEnvelope(w, 400, err.Error(), nil)
		return
	}
	st.Status = alist.StatusWork
	id := s.AddStorage(st)
	writeEnvelope(w, 200, "success", map[string]int{"id": id})
}

func (s *Server) handleStorageUpdate(w http.ResponseWriter, r *http.Request) {
	var st alist.Storage
	if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
		writeEnvelope(w, 400, err.Error(), nil)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.storages {
		if s.storages[i].ID == st.ID {
			s.storages[i] = st
			writeEnvelope(w, 200, "success", nil)
			return
		}
	}
	writeEnvelope(w, 500, "storage not found", nil)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	p := strings.TrimPrefix(r.URL.Path, "/d")
	p = strings.TrimPrefix(p, strings.TrimRight(s.BasePath, "/"))

	s.mu.Lock()
	f, ok := s.files[path.Join("/", p)]
	if r.Header.Get("Range") != "" {
		s.rangeHits++
	}
	s.mu.Unlock()
	if !ok || f.Content == nil {
		http.NotFound(w, r)
		return
	}
	http.ServeContent(w, r, path.Base(f.Path), f.Modified, bytes.NewReader(f.Content))
}
