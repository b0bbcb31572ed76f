package backlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Story is a single unit of work from the backlog file.
type Story struct {
	ID                 string   `json:"id" validate:"required" author:"required"`
	Title              string   `json:"title" author:"required"`
	Description        string   `json:"description" author:"required"`
	Priority           int      `json:"priority" validate:"gt=0" author:"gt=0"`
	Passes             bool     `json:"passes"`
	AcceptanceCriteria []string `json:"acceptance_criteria" author:"min=1,dive,required"`

	// unknown keys, compacted, preserved across load/save
	extra map[string]json.RawMessage
}

// Backlog is the top-level structure of the backlog file (prd.json).
type Backlog struct {
	BranchName string  `json:"branchName" author:"required"`
	Stories    []Story `json:"stories" validate:"dive" author:"min=1,dive"`

	extra map[string]json.RawMessage
}

var (
	storyKeys   = []string{"id", "title", "description", "priority", "passes", "acceptance_criteria"}
	backlogKeys = []string{"branchName", "stories"}
)

// UnmarshalJSON decodes the known story fields and keeps everything else.
func (s *Story) UnmarshalJSON(data []byte) error {
	type Alias Story
	aux := (*Alias)(s)
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	extra, err := collectExtra(data, storyKeys)
	if err != nil {
		return err
	}
	s.extra = extra
	return nil
}

// MarshalJSON writes the known fields in canonical order followed by the
// preserved unknown keys sorted by name.
func (s Story) MarshalJSON() ([]byte, error) {
	criteria := s.AcceptanceCriteria
	if criteria == nil {
		criteria = []string{}
	}
	return writeObject([]field{
		{"id", s.ID},
		{"title", s.Title},
		{"description", s.Description},
		{"priority", s.Priority},
		{"passes", s.Passes},
		{"acceptance_criteria", criteria},
	}, s.extra)
}

// UnmarshalJSON decodes the known backlog fields and keeps everything else.
func (b *Backlog) UnmarshalJSON(data []byte) error {
	type Alias Backlog
	aux := (*Alias)(b)
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	extra, err := collectExtra(data, backlogKeys)
	if err != nil {
		return err
	}
	b.extra = extra
	return nil
}

// MarshalJSON writes branchName and stories first, then preserved keys.
func (b Backlog) MarshalJSON() ([]byte, error) {
	stories := b.Stories
	if stories == nil {
		stories = []Story{}
	}
	return writeObject([]field{
		{"branchName", b.BranchName},
		{"stories", stories},
	}, b.extra)
}

// Extra returns the raw value of an unknown key preserved from the file.
func (s *Story) Extra(key string) (json.RawMessage, bool) {
	v, ok := s.extra[key]
	return v, ok
}

// Extra returns the raw value of an unknown top-level key.
func (b *Backlog) Extra(key string) (json.RawMessage, bool) {
	v, ok := b.extra[key]
	return v, ok
}

// Story returns the story with the given id, or nil.
func (b *Backlog) Story(id string) *Story {
	for i := range b.Stories {
		if b.Stories[i].ID == id {
			return &b.Stories[i]
		}
	}
	return nil
}

// MarkPassed sets passes=true on the story. Returns false if no story has that id.
func (b *Backlog) MarkPassed(id string) bool {
	s := b.Story(id)
	if s == nil {
		return false
	}
	s.Passes = true
	return true
}

// Counts returns the total number of stories and how many pass.
func (b *Backlog) Counts() (total, passed int) {
	for _, s := range b.Stories {
		if s.Passes {
			passed++
		}
	}
	return len(b.Stories), passed
}

type field struct {
	key   string
	value any
}

func writeObject(fields []field, extra map[string]json.RawMessage) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeMember(&buf, f.key, f.value); err != nil {
			return nil, err
		}
	}

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		buf.WriteByte(',')
		if err := writeMember(&buf, k, extra[k]); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeMember(buf *bytes.Buffer, key string, value any) error {
	k, err := json.Marshal(key)
	if err != nil {
		return err
	}
	v, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	buf.Write(k)
	buf.WriteByte(':')
	buf.Write(v)
	return nil
}

// collectExtra returns the members of a JSON object whose keys are not in known.
// Values are compacted so that a load/save/load cycle yields identical bytes.
func collectExtra(data []byte, known []string) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for _, k := range known {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil, nil
	}
	for k, v := range all {
		var buf bytes.Buffer
		if err := json.Compact(&buf, v); err != nil {
			return nil, fmt.Errorf("compact %s: %w", k, err)
		}
		all[k] = json.RawMessage(buf.Bytes())
	}
	return all, nil
}
