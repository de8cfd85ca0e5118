// Package groups tracks the registered group workspaces and their agent
// sessions. Both maps are process-local, persisted as JSON under DATA_DIR,
// and mutated only by the lifecycle supervisor, admin commands and IPC
// register/remove operations.
package groups

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/dotclaw/dotclaw/internal/config"
)

var folderPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Registration errors.
var (
	ErrInvalidFolder = errors.New("invalid group folder name")
	ErrFolderTaken   = errors.New("group folder already in use")
	ErrMainProtected = errors.New("the main group cannot be removed")
	ErrGroupNotFound = errors.New("group not registered")
	ErrAlreadyExists = errors.New("chat already has a registered group")
)

// Group is one registered workspace bound to exactly one chat.
type Group struct {
	Name            string          `json:"name"`
	Folder          string          `json:"folder"`
	Trigger         string          `json:"trigger,omitempty"` // optional regex
	ModelOverride   string          `json:"model_override,omitempty"`
	AddedAt         time.Time       `json:"added_at"`
	ContainerConfig json.RawMessage `json:"container_config,omitempty"`
}

// Registry holds registered groups (chat_id → Group) and sessions
// (folder → session id). Read many, write rare; one mutex covers both.
type Registry struct {
	mu       sync.RWMutex
	dataDir  string
	groups   map[string]Group  // chat_id → group
	sessions map[string]string // folder → session id
	triggers map[string]*regexp.Regexp
}

// Load reads groups.json and sessions.json from dataDir, creating an empty
// registry when neither exists.
func Load(dataDir string) (*Registry, error) {
	r := &Registry{
		dataDir:  dataDir,
		groups:   make(map[string]Group),
		sessions: make(map[string]string),
		triggers: make(map[string]*regexp.Regexp),
	}

	if err := readJSON(filepath.Join(dataDir, "groups.json"), &r.groups); err != nil {
		return nil, fmt.Errorf("load groups: %w", err)
	}
	if err := readJSON(filepath.Join(dataDir, "sessions.json"), &r.sessions); err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	for chatID, g := range r.groups {
		if g.Trigger == "" {
			continue
		}
		re, err := regexp.Compile(g.Trigger)
		if err != nil {
			return nil, fmt.Errorf("group %s has invalid trigger %q: %w", chatID, g.Trigger, err)
		}
		r.triggers[chatID] = re
	}
	return r, nil
}

// Register binds a chat to a new group workspace. The folder must be a safe
// slug, unique across all groups.
func (r *Registry) Register(chatID string, g Group) error {
	if !folderPattern.MatchString(g.Folder) {
		return fmt.Errorf("%w: %q", ErrInvalidFolder, g.Folder)
	}

	var trigger *regexp.Regexp
	if g.Trigger != "" {
		re, err := regexp.Compile(g.Trigger)
		if err != nil {
			return fmt.Errorf("invalid trigger regex: %w", err)
		}
		trigger = re
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.groups[chatID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, chatID)
	}
	for _, existing := range r.groups {
		if existing.Folder == g.Folder {
			return fmt.Errorf("%w: %q", ErrFolderTaken, g.Folder)
		}
	}

	if g.AddedAt.IsZero() {
		g.AddedAt = time.Now().UTC()
	}
	r.groups[chatID] = g
	if trigger != nil {
		r.triggers[chatID] = trigger
	}
	return r.saveGroupsLocked()
}

// Unregister removes a group binding. The main group is protected.
func (r *Registry) Unregister(chatID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[chatID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, chatID)
	}
	if g.Folder == config.MainGroupFolder {
		return ErrMainProtected
	}

	delete(r.groups, chatID)
	delete(r.triggers, chatID)
	delete(r.sessions, g.Folder)
	if err := r.saveGroupsLocked(); err != nil {
		return err
	}
	return r.saveSessionsLocked()
}

// ByChat returns the group registered for a chat.
func (r *Registry) ByChat(chatID string) (Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[chatID]
	return g, ok
}

// ByFolder returns the group owning a folder and its chat id.
func (r *Registry) ByFolder(folder string) (chatID string, g Group, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, grp := range r.groups {
		if grp.Folder == folder {
			return id, grp, true
		}
	}
	return "", Group{}, false
}

// IsMain reports whether folder is the administrative main group.
func (r *Registry) IsMain(folder string) bool {
	return folder == config.MainGroupFolder
}

// MainChatID returns the chat bound to the main group, when registered.
func (r *Registry) MainChatID() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, g := range r.groups {
		if g.Folder == config.MainGroupFolder {
			return id, true
		}
	}
	return "", false
}

// TriggerMatches reports whether the chat's optional trigger regex matches
// the content. Chats without a trigger always match.
func (r *Registry) TriggerMatches(chatID, content string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	re, ok := r.triggers[chatID]
	if !ok {
		return true
	}
	return re.MatchString(content)
}

// Snapshot returns a copy of the chat→group map.
func (r *Registry) Snapshot() map[string]Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Group, len(r.groups))
	for k, v := range r.groups {
		out[k] = v
	}
	return out
}

// SetModelOverride pins (or clears, with "") the model used for a group's
// agent runs.
func (r *Registry) SetModelOverride(folder, model string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for chatID, g := range r.groups {
		if g.Folder == folder {
			g.ModelOverride = model
			r.groups[chatID] = g
			return r.saveGroupsLocked()
		}
	}
	return fmt.Errorf("%w: folder %s", ErrGroupNotFound, folder)
}

// Session returns the current session id for a group folder.
func (r *Registry) Session(folder string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.sessions[folder]
	return id, ok
}

// SetSession records the session id handed back by the agent runner.
func (r *Registry) SetSession(folder, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sessionID == "" {
		delete(r.sessions, folder)
	} else {
		r.sessions[folder] = sessionID
	}
	return r.saveSessionsLocked()
}

func (r *Registry) saveGroupsLocked() error {
	return writeJSON(filepath.Join(r.dataDir, "groups.json"), r.groups)
}

func (r *Registry) saveSessionsLocked() error {
	return writeJSON(filepath.Join(r.dataDir, "sessions.json"), r.sessions)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, v)
}

// writeJSON writes atomically (tmp + rename).
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
