package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"library-circulation/docstore"
	"library-circulation/docstore/sqlstore"
	"library-circulation/library"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	srv       *Server
	mgr       *library.LibraryManager
	bookID    string
	memberID  string
	librarian string
}

func setup(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()

	mgr, err := library.Open(ctx, library.StoreConfig{
		Driver: "sqlite3",
		DSN:    filepath.Join(t.TempDir(), "api.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	book, err := mgr.AddBook(ctx, library.NewBook{
		ISBN:   "978-0-306-40615-7",
		Title:  "Signals and Systems",
		Author: "Oppenheim",
		Copies: 2,
	})
	require.NoError(t, err)

	member, err := mgr.AddMember(ctx, library.NewMember{Name: "Alice", Email: "alice@example.org"})
	require.NoError(t, err)
	lib, err := mgr.AddMember(ctx, library.NewMember{Name: "Lib", Email: "lib@example.org", Role: library.RoleLibrarian})
	require.NoError(t, err)

	logger := slog.New(slog.DiscardHandler)
	return &fixture{
		srv:       NewServer(mgr, logger, opts),
		mgr:       mgr,
		bookID:    book.ID,
		memberID:  member.ID,
		librarian: lib.ID,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)

	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthAndReady(t *testing.T) {
	f := setup(t, Options{})

	rec := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode[HealthResponse](t, rec).Status)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = f.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, f.mgr.Close())
	rec = f.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLoanRoundTrip(t *testing.T) {
	f := setup(t, Options{})
	base := "/books/" + f.bookID

	rec := f.do(t, http.MethodPost, base+"/reserve", gin.H{"memberId": f.memberID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	out := decode[library.Outcome](t, rec)
	assert.Equal(t, library.StatusRequested, out.Record.Status)
	assert.Equal(t, library.Counts{Total: 2, Reserved: 1, Unreserved: 1}, out.Book.Counts)

	rec = f.do(t, http.MethodGet, base+"/queue/next", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, f.memberID, decode[library.QueueEntry](t, rec).MemberID)

	rec = f.do(t, http.MethodPost, base+"/issue", gin.H{"memberId": f.memberID, "librarianId": f.librarian})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, library.StatusIssued, decode[library.Outcome](t, rec).Record.Status)

	rec = f.do(t, http.MethodGet, "/members/"+f.memberID+"/circulation", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]library.CirculationRecord](t, rec), 1)

	rec = f.do(t, http.MethodPost, base+"/return", gin.H{"memberId": f.memberID, "librarianId": f.librarian})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out = decode[library.Outcome](t, rec)
	assert.Equal(t, library.StatusReturned, out.Record.Status)
	assert.Equal(t, library.Counts{Total: 2, Unreserved: 2}, out.Book.Counts)

	rec = f.do(t, http.MethodGet, "/members/"+f.memberID+"/fines", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	fines := decode[finesResponse](t, rec)
	require.Len(t, fines.Fines, 1)
	assert.True(t, fines.Outstanding.IsZero())

	rec = f.do(t, http.MethodPost, "/members/"+f.memberID+"/fines/"+f.bookID+"/pay", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[library.Fine](t, rec).IsPaid)

	rec = f.do(t, http.MethodGet, "/members/"+f.memberID+"/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]library.CirculationRecord](t, rec), 1)

	rec = f.do(t, http.MethodGet, "/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"consistent":true`)
}

func TestErrorMapping(t *testing.T) {
	f := setup(t, Options{})
	base := "/books/" + f.bookID

	rec := f.do(t, http.MethodGet, "/books/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, library.CodeNotFound, decode[errorBody](t, rec).Error.Code)

	rec = f.do(t, http.MethodPost, base+"/return", gin.H{"memberId": f.memberID, "librarianId": f.librarian})
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decode[errorBody](t, rec)
	assert.Equal(t, library.CodeInvalidStateTransition, body.Error.Code)
	assert.Equal(t, library.StatusNone, body.Error.Current)
	assert.Equal(t, library.StatusReturned, body.Error.Attempted)

	rec = f.do(t, http.MethodPost, base+"/reserve", gin.H{"memberId": f.memberID})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = f.do(t, http.MethodPost, base+"/reserve", gin.H{"memberId": f.memberID})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, library.CodeAlreadyRequested, decode[errorBody](t, rec).Error.Code)

	rec = f.do(t, http.MethodPost, base+"/reserve", gin.H{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, library.CodeValidation, decode[errorBody](t, rec).Error.Code)

	// members cannot issue books
	rec = f.do(t, http.MethodPost, base+"/issue", gin.H{"memberId": f.memberID, "librarianId": f.memberID})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "librarianId", decode[errorBody](t, rec).Error.Field)

	rec = f.do(t, http.MethodGet, "/nowhere", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCatalogEndpoints(t *testing.T) {
	f := setup(t, Options{})

	rec := f.do(t, http.MethodPost, "/books", gin.H{
		"isbn": "0141036141", "title": "Nineteen Eighty-Four", "author": "George Orwell", "copies": 1,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	book := decode[library.Book](t, rec)
	assert.Equal(t, "9780141036144", book.ISBN)

	rec = f.do(t, http.MethodPost, "/books", gin.H{"isbn": "9780141036144", "title": "Again", "author": "X", "copies": 1})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/books?q=orwell", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	found := decode[[]library.Book](t, rec)
	require.Len(t, found, 1)
	assert.Equal(t, book.ID, found[0].ID)

	rec = f.do(t, http.MethodPatch, "/books/"+book.ID, gin.H{"genre": "Fiction"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Fiction", decode[library.Book](t, rec).Genre)

	rec = f.do(t, http.MethodPost, "/books/"+book.ID+"/copies", gin.H{"delta": 2})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, library.Counts{Total: 3, Unreserved: 3}, decode[library.Book](t, rec).Counts)

	rec = f.do(t, http.MethodPost, "/books/"+book.ID+"/copies", gin.H{"delta": -5})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.NotNil(t, decode[errorBody](t, rec).Error.Counts)

	rec = f.do(t, http.MethodDelete, "/books/"+book.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/books/"+book.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMemberEndpointsHidePasswordHash(t *testing.T) {
	f := setup(t, Options{})

	rec := f.do(t, http.MethodPost, "/members", gin.H{
		"name": "Bob", "email": "bob@example.org", "password": "correct horse",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "passwordHash")
	id := decode[library.Member](t, rec).ID

	rec = f.do(t, http.MethodGet, "/members/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "passwordHash")

	rec = f.do(t, http.MethodGet, "/members", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]library.Member](t, rec), 3)
}

func TestIssueNextEndpoint(t *testing.T) {
	f := setup(t, Options{})
	base := "/books/" + f.bookID

	rec := f.do(t, http.MethodPost, base+"/queue/issue-next", gin.H{"librarianId": f.librarian})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, base+"/reserve", gin.H{"memberId": f.memberID})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodGet, base+"/queue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]library.QueueEntry](t, rec), 1)

	rec = f.do(t, http.MethodPost, base+"/queue/issue-next", gin.H{"librarianId": f.librarian})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[library.Outcome](t, rec)
	assert.Equal(t, f.memberID, out.Record.MemberID)
	assert.Equal(t, library.Counts{Total: 2, Issued: 1, Unreserved: 1}, out.Book.Counts)
}

func TestRateLimit(t *testing.T) {
	f := setup(t, Options{RateLimit: 1, RateBurst: 2})

	for range 2 {
		rec := f.do(t, http.MethodGet, "/books", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := f.do(t, http.MethodGet, "/books", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// health stays outside the limiter
	rec = f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORS(t *testing.T) {
	f := setup(t, Options{AllowedOrigins: []string{"https://app.example.org"}})

	req := httptest.NewRequest(http.MethodGet, "/books", nil)
	req.Header.Set("Origin", "https://app.example.org")
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://app.example.org", rec.Header().Get("Access-Control-Allow-Origin"))
}

// conflictingBackend fails every commit with ErrConflict while failing is set.
type conflictingBackend struct {
	docstore.Backend
	failing atomic.Bool
}

func (b *conflictingBackend) Commit(ctx context.Context, pre []docstore.Precondition, writes []docstore.Write) error {
	if b.failing.Load() {
		return docstore.ErrConflict
	}
	return b.Backend.Commit(ctx, pre, writes)
}

func TestExhaustedRetriesReturnConflict(t *testing.T) {
	ctx := context.Background()

	backend, err := sqlstore.OpenSQLite(ctx, filepath.Join(t.TempDir(), "conflict.db"))
	require.NoError(t, err)
	wrapped := &conflictingBackend{Backend: backend}
	store, err := docstore.New(wrapped, docstore.WithRetryOptions(
		docstore.WithMaxAttempts(3),
		docstore.WithBaseDelay(time.Millisecond),
	))
	require.NoError(t, err)
	mgr, err := library.NewLibraryManager(store)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	book, err := mgr.AddBook(ctx, library.NewBook{ISBN: "9780306406157", Title: "Signals", Author: "Oppenheim", Copies: 1})
	require.NoError(t, err)
	member, err := mgr.AddMember(ctx, library.NewMember{Name: "Alice", Email: "alice@example.org"})
	require.NoError(t, err)

	f := &fixture{srv: NewServer(mgr, slog.New(slog.DiscardHandler), Options{}), mgr: mgr}

	wrapped.failing.Store(true)
	rec := f.do(t, http.MethodPost, "/books/"+book.ID+"/reserve", gin.H{"memberId": member.ID})
	wrapped.failing.Store(false)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, library.CodeConcurrentModification, decode[errorBody](t, rec).Error.Code)

	got, err := mgr.Book(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, library.Counts{Total: 1, Unreserved: 1}, got.Counts)
}
