package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/domain"
)

const journalVersion = "1.0"

// journalModel is one persisted model: its descriptor plus the metrics
// summary that should survive restarts. Live handles are never journaled.
type journalModel struct {
	domain.Descriptor
	Metrics domain.Metrics     `json:"metrics"`
	Status  domain.EntryStatus `json:"status"`
}

// journal reads and writes the registry's JSON state file.
//
// Two durability rules: writes go through a temp file and an atomic rename
// so a crash never leaves a torn journal, and unknown top-level keys from
// newer (or hand-edited) files are carried through rewrites untouched.
type journal struct {
	path string
	log  zerolog.Logger

	// extra holds top-level keys we do not own.
	extra map[string]json.RawMessage
}

func newJournal(path string, log zerolog.Logger) *journal {
	return &journal{
		path:  path,
		log:   log.With().Str("component", "journal").Logger(),
		extra: make(map[string]json.RawMessage),
	}
}

// load reads the journal. A missing file is an empty registry. A corrupt
// file is quarantined (renamed aside with a timestamp suffix) and treated
// as empty, so a damaged journal never blocks startup.
func (j *journal) load() ([]journalModel, error) {
	data, err := os.ReadFile(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, domain.WrapErr(domain.KindInternal, "read journal", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return j.quarantine(err)
	}

	var models []journalModel
	if modelsRaw, ok := raw["models"]; ok {
		if err := json.Unmarshal(modelsRaw, &models); err != nil {
			return j.quarantine(err)
		}
	}

	// Remember keys we do not own so rewrites preserve them.
	for k, v := range raw {
		switch k {
		case "version", "saved_at", "models":
		default:
			j.extra[k] = v
		}
	}

	if v, ok := raw["version"]; ok {
		var version string
		if err := json.Unmarshal(v, &version); err == nil && version != "" && version[0] != journalVersion[0] {
			j.log.Warn().Str("version", version).Msg("journal written by a different major version")
		}
	}
	return models, nil
}

// quarantine moves the corrupt journal aside and reports the load as empty.
func (j *journal) quarantine(cause error) ([]journalModel, error) {
	bad := fmt.Sprintf("%s.bad-%s", j.path, time.Now().UTC().Format("20060102T150405"))
	if err := os.Rename(j.path, bad); err != nil {
		return nil, domain.WrapErr(domain.KindInternal, "quarantine corrupt journal", err)
	}
	j.log.Error().Err(cause).Str("quarantined", bad).Msg("journal corrupt, starting empty")
	return nil, nil
}

// save writes the journal atomically: temp file, fsync, rename.
func (j *journal) save(models []journalModel) error {
	doc := make(map[string]any, len(j.extra)+3)
	for k, v := range j.extra {
		doc[k] = v
	}
	doc["version"] = journalVersion
	doc["saved_at"] = time.Now().UTC().Format(time.RFC3339)
	if models == nil {
		models = []journalModel{}
	}
	doc["models"] = models

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return domain.WrapErr(domain.KindInternal, "marshal journal", err)
	}

	dir := filepath.Dir(j.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return domain.WrapErr(domain.KindInternal, "create journal dir", err)
	}

	tmp, err := os.CreateTemp(dir, ".journal-*")
	if err != nil {
		return domain.WrapErr(domain.KindInternal, "create journal temp", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return domain.WrapErr(domain.KindInternal, "write journal", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return domain.WrapErr(domain.KindInternal, "sync journal", err)
	}
	if err := tmp.Close(); err != nil {
		return domain.WrapErr(domain.KindInternal, "close journal temp", err)
	}
	if err := os.Rename(tmpName, j.path); err != nil {
		return domain.WrapErr(domain.KindInternal, "replace journal", err)
	}
	return nil
}
