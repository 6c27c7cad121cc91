package sessions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is the persisted state for one session key.
//
// Field names are stable across processes; unknown fields round-trip
// untouched via Extra.
type Entry struct {
	SessionID                       string            `json:"sessionId"`
	SessionFile                     string            `json:"sessionFile,omitempty"`
	UpdatedAt                       time.Time         `json:"updatedAt"`
	ModelProvider                   string            `json:"modelProvider,omitempty"`
	Model                           string            `json:"model,omitempty"`
	ContextTokens                   int64             `json:"contextTokens,omitempty"`
	InputTokens                     int64             `json:"inputTokens,omitempty"`
	OutputTokens                    int64             `json:"outputTokens,omitempty"`
	TotalTokens                     int64             `json:"totalTokens,omitempty"`
	ThinkingLevel                   string            `json:"thinkingLevel,omitempty"` // off|low|medium|high|xhigh
	VerboseLevel                    string            `json:"verboseLevel,omitempty"`  // on|off
	ProviderOverride                string            `json:"providerOverride,omitempty"`
	ModelOverride                   string            `json:"modelOverride,omitempty"`
	AuthProfileOverride             string            `json:"authProfileOverride,omitempty"`
	CLISessionIDs                   map[string]string `json:"cliSessionIds,omitempty"`
	SkillsSnapshot                  []string          `json:"skillsSnapshot,omitempty"`
	SystemSent                      bool              `json:"systemSent,omitempty"`
	AbortedLastRun                  bool              `json:"abortedLastRun,omitempty"`
	GroupActivationNeedsSystemIntro bool              `json:"groupActivationNeedsSystemIntro,omitempty"`
	MemoryCaptureAt                 int64             `json:"memoryCaptureAt,omitempty"` // unix ms
	MemoryCaptureTokenCount         int64             `json:"memoryCaptureTokenCount,omitempty"`
	LastChannel                     string            `json:"lastChannel,omitempty"`
	LastTo                          string            `json:"lastTo,omitempty"`
	LastAccountID                   string            `json:"lastAccountId,omitempty"`
	ResponseUsage                   json.RawMessage   `json:"responseUsage,omitempty"`
	DisplayName                     string            `json:"displayName,omitempty"`

	// Extra preserves fields written by other (possibly newer) processes.
	Extra map[string]json.RawMessage `json:"-"`
}

// knownEntryFields mirrors the json tags above; anything else lands in Extra.
var knownEntryFields = map[string]bool{
	"sessionId": true, "sessionFile": true, "updatedAt": true,
	"modelProvider": true, "model": true, "contextTokens": true,
	"inputTokens": true, "outputTokens": true, "totalTokens": true,
	"thinkingLevel": true, "verboseLevel": true, "providerOverride": true,
	"modelOverride": true, "authProfileOverride": true, "cliSessionIds": true,
	"skillsSnapshot": true, "systemSent": true, "abortedLastRun": true,
	"groupActivationNeedsSystemIntro": true, "memoryCaptureAt": true,
	"memoryCaptureTokenCount": true, "lastChannel": true, "lastTo": true,
	"lastAccountId": true, "responseUsage": true, "displayName": true,
}

type entryAlias Entry

func (e *Entry) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, (*entryAlias)(e)); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		if !knownEntryFields[k] {
			if e.Extra == nil {
				e.Extra = map[string]json.RawMessage{}
			}
			e.Extra[k] = v
		}
	}
	return nil
}

func (e Entry) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(entryAlias(e))
	if err != nil {
		return nil, err
	}
	if len(e.Extra) == 0 {
		return known, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range e.Extra {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Store provides CRUD for session entries persisted as a single JSON file.
// All writes for a path are serialized through the store's mutex; the store
// is the single writer for its file within a process.
type Store struct {
	path     string
	stateDir string
	mu       sync.Mutex
}

// NewStore creates a store persisting to path. Transcript files are placed
// under stateDir/sessions/.
func NewStore(path, stateDir string) *Store {
	return &Store{path: path, stateDir: stateDir}
}

// Load reads the full entry map. A missing file yields an empty map; a parse
// failure fails loudly — a torn store must never be silently truncated.
func (s *Store) Load() (map[string]*Entry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Entry{}, nil
		}
		return nil, fmt.Errorf("read sessions: %w", err)
	}
	entries := map[string]*Entry{}
	if len(data) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse sessions %s: %w", s.path, err)
	}
	return entries, nil
}

// Save serializes the map and atomically replaces the file (tmp + rename).
func (s *Store) Save(entries map[string]*Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(entries)
}

func (s *Store) saveLocked(entries map[string]*Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sessions: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write sessions: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace sessions: %w", err)
	}
	return nil
}

// Update performs a read-modify-write on one entry (last write wins) and
// returns the resulting entry. fn receives a zero-valued entry when the key
// is new.
func (s *Store) Update(key string, fn func(*Entry)) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.Load()
	if err != nil {
		return nil, err
	}
	e, ok := entries[key]
	if !ok {
		e = &Entry{}
		entries[key] = e
	}
	fn(e)
	e.UpdatedAt = time.Now().UTC()
	if err := s.saveLocked(entries); err != nil {
		return nil, err
	}
	return e, nil
}

// Get returns the entry for key, or nil when absent.
func (s *Store) Get(key string) (*Entry, error) {
	entries, err := s.Load()
	if err != nil {
		return nil, err
	}
	return entries[key], nil
}

// Delete removes an entry. Deleting an absent key is a no-op.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.Load()
	if err != nil {
		return err
	}
	if _, ok := entries[key]; !ok {
		return nil
	}
	delete(entries, key)
	return s.saveLocked(entries)
}

// ResolveTranscriptPath returns the transcript file path for a session:
//
//	<stateDir>/sessions/<sessionId>[-topic-<topicId>].jsonl
func (s *Store) ResolveTranscriptPath(sessionID, topicID string) string {
	name := sessionID
	if topicID != "" {
		name = fmt.Sprintf("%s-topic-%s", sessionID, topicID)
	}
	return filepath.Join(s.stateDir, "sessions", name+".jsonl")
}

// transcriptHeader is the first line of a forked transcript file.
type transcriptHeader struct {
	Type          string `json:"type"`
	SessionID     string `json:"sessionId"`
	ParentSession string `json:"parentSession,omitempty"`
	Label         string `json:"label,omitempty"`
	CreatedAt     string `json:"createdAt"`
}

// ForkForThread creates a new session for a thread under parentKey.
// The new transcript's header references the parent transcript path so the
// executor can splice parent context in. The parent entry is left intact.
func (s *Store) ForkForThread(parentKey, threadKey, label string) (*Entry, error) {
	parent, err := s.Get(parentKey)
	if err != nil {
		return nil, err
	}

	sessionID := uuid.NewString()
	transcript := s.ResolveTranscriptPath(sessionID, TopicID(threadKey))

	hdr := transcriptHeader{
		Type:      "session",
		SessionID: sessionID,
		Label:     label,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if parent != nil {
		hdr.ParentSession = parent.SessionFile
	}
	line, err := json.Marshal(hdr)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(transcript), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(transcript, append(line, '\n'), 0o644); err != nil {
		return nil, fmt.Errorf("write transcript: %w", err)
	}

	return s.Update(threadKey, func(e *Entry) {
		e.SessionID = sessionID
		e.SessionFile = transcript
		e.DisplayName = label
		if parent != nil {
			e.ModelProvider = parent.ModelProvider
			e.Model = parent.Model
			e.ThinkingLevel = parent.ThinkingLevel
			e.VerboseLevel = parent.VerboseLevel
		}
	})
}
