package annotate

import (
	"sort"

	"github.com/sells-group/datapipe/internal/model"
)

// Exclusions is the set of model uids that already failed during one
// Annotate call. It is owned by that call and never shared across runs.
type Exclusions map[string]struct{}

// NewExclusions builds a set from uids.
func NewExclusions(uids ...string) Exclusions {
	e := make(Exclusions, len(uids))
	for _, u := range uids {
		e.Add(u)
	}
	return e
}

// Add marks uid as excluded.
func (e Exclusions) Add(uid string) {
	e[uid] = struct{}{}
}

// Has reports whether uid is excluded.
func (e Exclusions) Has(uid string) bool {
	_, ok := e[uid]
	return ok
}

// List returns the excluded uids in sorted order.
func (e Exclusions) List() []string {
	out := make([]string, 0, len(e))
	for u := range e {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Select picks the model to use under cfg's mode, skipping excluded uids.
// It returns false when no candidate remains.
//
//   - local (or empty mode): default local model, then the local list in order
//   - external: default external model, then the external list in order
//   - automatic: default external, remaining externals, then locals
func Select(cfg model.AIConfig, excluded Exclusions) (*model.Model, bool) {
	prefs := cfg.Preferences
	switch prefs.Mode {
	case model.AIModeLocal, "":
		return pick(excluded, prefs.DefaultLocalModelID, cfg.Local)
	case model.AIModeExternal:
		return pick(excluded, prefs.DefaultExternalModelID, cfg.External)
	case model.AIModeAutomatic:
		if m, ok := pick(excluded, prefs.DefaultExternalModelID, cfg.External); ok {
			return m, true
		}
		return pick(excluded, "", cfg.Local)
	default:
		return nil, false
	}
}

func pick(excluded Exclusions, defaultUID string, pool []model.Model) (*model.Model, bool) {
	if defaultUID != "" && !excluded.Has(defaultUID) {
		for i := range pool {
			if pool[i].UID == defaultUID {
				m := pool[i]
				return &m, true
			}
		}
	}
	for i := range pool {
		if !excluded.Has(pool[i].UID) {
			m := pool[i]
			return &m, true
		}
	}
	return nil, false
}
