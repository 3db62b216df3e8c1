// Package catalog is the control plane's durable state store: a
// SQLite-backed catalog of directories, conversations, repositories, and
// tasks, shared by every front end attached to one control plane.
package catalog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/teambition/rrule-go"
	_ "modernc.org/sqlite"

	"harness-mux/internal/ctlerr"
)

// Filter is the conjunctive scoped query filter shared by every list
// operation.
type Filter struct {
	TenantID        string
	UserID          string
	WorkspaceID     string
	IncludeArchived bool
	Limit           int
}

// Directory is the root of a user's project.
type Directory struct {
	DirectoryID string
	TenantID    string
	UserID      string
	WorkspaceID string
	Path        string
	ArchivedAt  *time.Time
}

// Conversation is the durable descriptor of an agent thread.
type Conversation struct {
	ConversationID string
	DirectoryID    string
	TenantID       string
	UserID         string
	WorkspaceID    string
	Title          string
	AgentType      string
	AdapterState   map[string]any
	RuntimeStatus  string
	RuntimeLive    bool
	ArchivedAt     *time.Time
}

// CatalogEntity is a Repository/Task/Project/Automation row: plain
// records with a lifecycle and a reorderable list, treated uniformly.
type CatalogEntity struct {
	Kind        string // repository|task|project|automation
	ID          string
	TenantID    string
	UserID      string
	WorkspaceID string
	Status      string // draft|ready|in-progress|completed
	Position    int
	Fields      map[string]any
	ArchivedAt  *time.Time
}

var allowedStatuses = map[string]bool{
	"draft": true, "ready": true, "in-progress": true, "completed": true,
}

// Store is the durable catalog.
type Store struct {
	db   *sql.DB
	lock *flock.Flock

	mu sync.Mutex
}

// Open creates or attaches to the catalog database at path, taking an
// advisory file lock so two embedded-mode processes never write
// concurrently to the same catalog file.
func Open(path string) (*Store, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock catalog: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("catalog %s is already in use by another process", path)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		lock.Unlock()
		return nil, fmt.Errorf("migrate catalog: %w", err)
	}
	return &Store{db: db, lock: lock}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS directories (
	directory_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL DEFAULT '',
	workspace_id TEXT NOT NULL DEFAULT '',
	path TEXT NOT NULL,
	archived_at INTEGER
);
CREATE TABLE IF NOT EXISTS conversations (
	conversation_id TEXT PRIMARY KEY,
	directory_id TEXT NOT NULL,
	tenant_id TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL DEFAULT '',
	workspace_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	agent_type TEXT NOT NULL DEFAULT '',
	adapter_state TEXT NOT NULL DEFAULT '{}',
	runtime_status TEXT NOT NULL DEFAULT '',
	runtime_live INTEGER NOT NULL DEFAULT 0,
	archived_at INTEGER
);
CREATE TABLE IF NOT EXISTS catalog_entities (
	kind TEXT NOT NULL,
	id TEXT NOT NULL,
	tenant_id TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL DEFAULT '',
	workspace_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'draft',
	position INTEGER NOT NULL DEFAULT 0,
	fields TEXT NOT NULL DEFAULT '{}',
	archived_at INTEGER,
	PRIMARY KEY (kind, id)
);
`

func filterClause(f Filter, alias string) (string, []any) {
	var clauses []string
	var args []any
	if f.TenantID != "" {
		clauses = append(clauses, alias+"tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.UserID != "" {
		clauses = append(clauses, alias+"user_id = ?")
		args = append(args, f.UserID)
	}
	if f.WorkspaceID != "" {
		clauses = append(clauses, alias+"workspace_id = ?")
		args = append(args, f.WorkspaceID)
	}
	if !f.IncludeArchived {
		clauses = append(clauses, alias+"archived_at IS NULL")
	}
	where := ""
	for i, c := range clauses {
		if i == 0 {
			where = "WHERE " + c
		} else {
			where += " AND " + c
		}
	}
	return where, args
}

// UpsertDirectory creates or updates a directory row.
func (s *Store) UpsertDirectory(d Directory) (Directory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.DirectoryID == "" {
		d.DirectoryID = "directory-" + d.Path
	}
	_, err := s.db.Exec(
		`INSERT INTO directories (directory_id, tenant_id, user_id, workspace_id, path)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(directory_id) DO UPDATE SET path = excluded.path`,
		d.DirectoryID, d.TenantID, d.UserID, d.WorkspaceID, d.Path,
	)
	if err != nil {
		return d, fmt.Errorf("upsert directory: %w", err)
	}
	return d, nil
}

// ListDirectories returns directories matching filter.
func (s *Store) ListDirectories(f Filter) ([]Directory, error) {
	where, args := filterClause(f, "")
	q := "SELECT directory_id, tenant_id, user_id, workspace_id, path, archived_at FROM directories " + where + " ORDER BY rowid"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list directories: %w", err)
	}
	defer rows.Close()
	var out []Directory
	for rows.Next() {
		var d Directory
		var archived sql.NullInt64
		if err := rows.Scan(&d.DirectoryID, &d.TenantID, &d.UserID, &d.WorkspaceID, &d.Path, &archived); err != nil {
			return nil, fmt.Errorf("scan directory: %w", err)
		}
		if archived.Valid {
			t := time.Unix(0, archived.Int64)
			d.ArchivedAt = &t
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ArchiveDirectory tombstones a directory; archival never implies a
// delete.
func (s *Store) ArchiveDirectory(directoryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE directories SET archived_at = ? WHERE directory_id = ? AND archived_at IS NULL`, time.Now().UnixNano(), directoryID)
	if err != nil {
		return fmt.Errorf("archive directory: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ctlerr.New(ctlerr.NotFound, "directory %s not found or already archived", directoryID)
	}
	return nil
}

// CreateConversation inserts a new conversation row.
func (s *Store) CreateConversation(c Conversation) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.AdapterState == nil {
		c.AdapterState = map[string]any{}
	}
	adapterJSON, err := json.Marshal(c.AdapterState)
	if err != nil {
		return c, fmt.Errorf("marshal adapterState: %w", err)
	}
	c.RuntimeStatus = "running"
	_, err = s.db.Exec(
		`INSERT INTO conversations (conversation_id, directory_id, tenant_id, user_id, workspace_id, title, agent_type, adapter_state, runtime_status, runtime_live)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ConversationID, c.DirectoryID, c.TenantID, c.UserID, c.WorkspaceID, c.Title, c.AgentType, string(adapterJSON), c.RuntimeStatus, boolToInt(c.RuntimeLive),
	)
	if err != nil {
		return c, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns conversations matching filter.
func (s *Store) ListConversations(f Filter) ([]Conversation, error) {
	where, args := filterClause(f, "")
	q := "SELECT conversation_id, directory_id, tenant_id, user_id, workspace_id, title, agent_type, adapter_state, runtime_status, runtime_live, archived_at FROM conversations " + where + " ORDER BY rowid"
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()
	var out []Conversation
	for rows.Next() {
		var c Conversation
		var adapterJSON string
		var runtimeLive int
		var archived sql.NullInt64
		if err := rows.Scan(&c.ConversationID, &c.DirectoryID, &c.TenantID, &c.UserID, &c.WorkspaceID, &c.Title, &c.AgentType, &adapterJSON, &c.RuntimeStatus, &runtimeLive, &archived); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.RuntimeLive = runtimeLive != 0
		_ = json.Unmarshal([]byte(adapterJSON), &c.AdapterState)
		if archived.Valid {
			t := time.Unix(0, archived.Int64)
			c.ArchivedAt = &t
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateConversationTitle renames a conversation.
func (s *Store) UpdateConversationTitle(conversationID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE conversations SET title = ? WHERE conversation_id = ? AND archived_at IS NULL`, title, conversationID)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ctlerr.New(ctlerr.NotFound, "conversation %s not found", conversationID)
	}
	return nil
}

// ArchiveConversation tombstones a conversation.
func (s *Store) ArchiveConversation(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE conversations SET archived_at = ? WHERE conversation_id = ? AND archived_at IS NULL`, time.Now().UnixNano(), conversationID)
	if err != nil {
		return fmt.Errorf("archive conversation: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ctlerr.New(ctlerr.NotFound, "conversation %s not found or already archived", conversationID)
	}
	return nil
}

// DeleteConversation removes a conversation row outright (conversation
// deletion also destroys any live session of the same id; that is the
// control plane's responsibility, not the catalog's).
func (s *Store) DeleteConversation(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM conversations WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ctlerr.New(ctlerr.NotFound, "conversation %s not found", conversationID)
	}
	return nil
}

// SetConversationRuntime updates the advisory runtimeStatus/runtimeLive
// snapshot; session.list remains authoritative for actual liveness.
func (s *Store) SetConversationRuntime(conversationID, status string, live bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE conversations SET runtime_status = ?, runtime_live = ? WHERE conversation_id = ?`, status, boolToInt(live), conversationID)
	if err != nil {
		return fmt.Errorf("update conversation runtime: %w", err)
	}
	return nil
}

// UpsertEntity creates or updates a Repository/Task/Project/Automation row.
func (s *Store) UpsertEntity(e CatalogEntity) (CatalogEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Status == "" {
		e.Status = "draft"
	}
	if !allowedStatuses[e.Status] {
		return e, ctlerr.New(ctlerr.ConstraintViolation, "status %q is not in the allowed set", e.Status)
	}
	if e.Fields == nil {
		e.Fields = map[string]any{}
	}
	if e.Kind == "task" {
		repo, _ := e.Fields["repositoryId"].(string)
		project, _ := e.Fields["projectId"].(string)
		if repo == "" && project == "" {
			return e, ctlerr.New(ctlerr.ConstraintViolation, "task scope must specify a repository or project")
		}
	}
	if e.Kind == "automation" {
		if err := resolveAutomationSchedule(e.Fields); err != nil {
			return e, err
		}
	}
	fieldsJSON, err := json.Marshal(e.Fields)
	if err != nil {
		return e, fmt.Errorf("marshal entity fields: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO catalog_entities (kind, id, tenant_id, user_id, workspace_id, status, position, fields)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(kind, id) DO UPDATE SET status = excluded.status, fields = excluded.fields`,
		e.Kind, e.ID, e.TenantID, e.UserID, e.WorkspaceID, e.Status, e.Position, string(fieldsJSON),
	)
	if err != nil {
		return e, fmt.Errorf("upsert entity: %w", err)
	}
	return e, nil
}

// TransitionEntity moves an entity to a new lifecycle status.
func (s *Store) TransitionEntity(kind, id, status string) error {
	if !allowedStatuses[status] {
		return ctlerr.New(ctlerr.ConstraintViolation, "status %q is not in the allowed set", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var archived sql.NullInt64
	if err := s.db.QueryRow(`SELECT archived_at FROM catalog_entities WHERE kind = ? AND id = ?`, kind, id).Scan(&archived); err != nil {
		if err == sql.ErrNoRows {
			return ctlerr.New(ctlerr.NotFound, "%s %s not found", kind, id)
		}
		return fmt.Errorf("lookup entity: %w", err)
	}
	if archived.Valid {
		return ctlerr.New(ctlerr.Archived, "%s %s is archived", kind, id)
	}
	if _, err := s.db.Exec(`UPDATE catalog_entities SET status = ? WHERE kind = ? AND id = ?`, status, kind, id); err != nil {
		return fmt.Errorf("transition entity: %w", err)
	}
	return nil
}

// ReorderEntities atomically rewrites the ordered position of every id in
// orderedIDs for the given kind, the one cross-row transactional
// mutation the store performs.
func (s *Store) ReorderEntities(kind string, orderedIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin reorder: %w", err)
	}
	defer tx.Rollback()
	for i, id := range orderedIDs {
		if _, err := tx.Exec(`UPDATE catalog_entities SET position = ? WHERE kind = ? AND id = ?`, i, kind, id); err != nil {
			return fmt.Errorf("reorder %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// ListEntities returns rows of kind matching filter, ordered by position.
func (s *Store) ListEntities(kind string, f Filter) ([]CatalogEntity, error) {
	where, args := filterClause(f, "")
	kindClause := "kind = ?"
	if where == "" {
		where = "WHERE " + kindClause
	} else {
		where += " AND " + kindClause
	}
	args = append(args, kind)
	q := "SELECT kind, id, tenant_id, user_id, workspace_id, status, position, fields, archived_at FROM catalog_entities " + where + " ORDER BY position ASC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()
	var out []CatalogEntity
	for rows.Next() {
		var e CatalogEntity
		var fieldsJSON string
		var archived sql.NullInt64
		if err := rows.Scan(&e.Kind, &e.ID, &e.TenantID, &e.UserID, &e.WorkspaceID, &e.Status, &e.Position, &fieldsJSON, &archived); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		_ = json.Unmarshal([]byte(fieldsJSON), &e.Fields)
		if archived.Valid {
			t := time.Unix(0, archived.Int64)
			e.ArchivedAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// resolveAutomationSchedule validates an automation row's recurrence rule
// (fields["rrule"], an RFC5545 RRULE string) and stamps
// fields["nextOccurrence"] with the next fire time after now, mutating
// fields in place. A row with no "rrule" field is left untouched —
// automations can also be plain one-shot triggers.
func resolveAutomationSchedule(fields map[string]any) error {
	raw, ok := fields["rrule"].(string)
	if !ok || raw == "" {
		return nil
	}
	rule, err := rrule.StrToRRule(raw)
	if err != nil {
		return ctlerr.New(ctlerr.ConstraintViolation, "invalid automation rrule %q: %v", raw, err)
	}
	next := rule.After(time.Now(), false)
	if next.IsZero() {
		return ctlerr.New(ctlerr.ConstraintViolation, "automation rrule %q has no future occurrence", raw)
	}
	fields["nextOccurrence"] = next.Format(time.RFC3339)
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Close releases the database handle and the advisory file lock.
func (s *Store) Close() error {
	err := s.db.Close()
	s.lock.Unlock()
	return err
}
