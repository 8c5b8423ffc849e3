package detection

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// DefaultModel is the fallback for unknown or missing weights
const DefaultModel = "mark-5"

// modelFiles is the governance table of allowed weights
var modelFiles = map[string]string{
	"mark-5":   "mark5.pt",
	"mark-4.5": "mark4.5.pt",
	"mark-4":   "mark4.pt",
	"mark-3":   "mark3.pt",
	"mark-2.5": "mark2.5.pt",
	"mark-2":   "mark2.pt",
	"mark-1":   "mark1.pt",
}

// Model is a resolved entry of the governance table
type Model struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	Requested string `json:"requested"`
	Fallback  bool   `json:"fallback"`
}

// Governance resolves model names to weights on disk
type Governance struct {
	dir    string
	exists func(path string) bool
}

// NewGovernance creates a resolver rooted at the models directory
func NewGovernance(dir string) *Governance {
	return &Governance{
		dir: dir,
		exists: func(path string) bool {
			info, err := os.Stat(path)
			return err == nil && !info.IsDir()
		},
	}
}

// Dir returns the models directory
func (g *Governance) Dir() string {
	return g.dir
}

// Resolve maps a requested model name to a weights path. Unknown names and
// missing files fall back to DefaultModel; ErrModelUnavailable is returned
// when the default weights are missing too.
func (g *Governance) Resolve(name string) (Model, error) {
	requested := name
	if requested == "" {
		requested = DefaultModel
	}

	if file, ok := modelFiles[requested]; ok {
		path := filepath.Join(g.dir, file)
		if g.exists(path) {
			return Model{Name: requested, Path: path, Requested: requested}, nil
		}
		log.Printf("[Governance] %s not found, falling back to %s", path, DefaultModel)
	} else {
		log.Printf("[Governance] Unknown model %q, falling back to %s", requested, DefaultModel)
	}

	path := filepath.Join(g.dir, modelFiles[DefaultModel])
	if !g.exists(path) {
		return Model{}, fmt.Errorf("%w: default weights %s missing", ErrModelUnavailable, path)
	}
	return Model{Name: DefaultModel, Path: path, Requested: requested, Fallback: requested != DefaultModel}, nil
}

// Available lists the governed model names whose weights exist
func (g *Governance) Available() []string {
	names := make([]string, 0, len(modelFiles))
	for name, file := range modelFiles {
		if g.exists(filepath.Join(g.dir, file)) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Models lists every governed model name
func Models() []string {
	names := make([]string, 0, len(modelFiles))
	for name := range modelFiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// View types reported by Probe
const (
	ViewAerial = "AERIAL"
	ViewGround = "GROUND"
)

// ViewProbe is the governance decision for a source
type ViewProbe struct {
	ViewType         string `json:"viewType"`
	RecommendedModel string `json:"recommended_model"`
	Reason           string `json:"reason"`
	Locked           bool   `json:"is_locked"`
}

var cameraIndex = regexp.MustCompile(`^\d+$`)

// Probe classifies a source as ground-level or aerial footage from its
// locator. Aerial footage is locked to the aerial weights.
func Probe(locator string) ViewProbe {
	p := ViewProbe{
		ViewType:         ViewAerial,
		RecommendedModel: "mark-3",
		Locked:           true,
	}

	lower := strings.ToLower(strings.TrimSpace(locator))
	if strings.Contains(lower, "ground") || strings.Contains(lower, "rtsp") ||
		strings.Contains(lower, "webcam") || cameraIndex.MatchString(lower) {
		p.ViewType = ViewGround
		p.RecommendedModel = DefaultModel
		p.Locked = false
	}

	p.Reason = fmt.Sprintf("Governance protocol enforced. View: %s.", p.ViewType)
	return p
}
