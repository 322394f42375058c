package worker

import (
	"io/fs"
	"path"
	"strings"
)

// Grader produces a scorecard for one repository scan
type Grader interface {
	NewScorecard(root string) Scorecard
}

// Scorecard accumulates findings while files are visited. One scorecard is
// used by a single scan goroutine.
type Scorecard interface {
	Add(rel string, info fs.FileInfo)
	Result() any
}

// BasicGrader tallies files and checks for a few repository hygiene markers
type BasicGrader struct{}

// Check names reported by BasicGrader
const (
	CheckReadme  = "readme"
	CheckLicense = "license"
	CheckTests   = "tests"
	CheckCI      = "ci"
	CheckIgnore  = "gitignore"
)

// BasicReport is the result of a BasicGrader scan
type BasicReport struct {
	Root        string          `json:"root"`
	Files       int             `json:"files"`
	Bytes       int64           `json:"bytes"`
	Extensions  map[string]int  `json:"extensions"`
	Checks      map[string]bool `json:"checks"`
	Score       float64         `json:"score"` // share of checks passed, 0-100
	LargestFile string          `json:"largest_file,omitempty"`
}

func (BasicGrader) NewScorecard(root string) Scorecard {
	return &basicScorecard{report: BasicReport{
		Root:       root,
		Extensions: make(map[string]int),
		Checks: map[string]bool{
			CheckReadme:  false,
			CheckLicense: false,
			CheckTests:   false,
			CheckCI:      false,
			CheckIgnore:  false,
		},
	}}
}

type basicScorecard struct {
	report  BasicReport
	largest int64
}

func (s *basicScorecard) Add(rel string, info fs.FileInfo) {
	rel = strings.ReplaceAll(rel, "\\", "/")
	name := strings.ToLower(path.Base(rel))
	dir := strings.ToLower(path.Dir(rel))

	s.report.Files++
	s.report.Bytes += info.Size()
	if info.Size() > s.largest {
		s.largest = info.Size()
		s.report.LargestFile = rel
	}

	ext := strings.ToLower(path.Ext(name))
	if ext == "" {
		ext = "(none)"
	}
	s.report.Extensions[ext]++

	switch {
	case dir == "." && strings.HasPrefix(name, "readme"):
		s.report.Checks[CheckReadme] = true
	case dir == "." && (strings.HasPrefix(name, "license") || strings.HasPrefix(name, "copying")):
		s.report.Checks[CheckLicense] = true
	case dir == "." && name == ".gitignore":
		s.report.Checks[CheckIgnore] = true
	case strings.HasPrefix(dir, ".github/workflows") || name == ".gitlab-ci.yml" || name == "jenkinsfile":
		s.report.Checks[CheckCI] = true
	}
	if strings.Contains(name, "_test.") || strings.Contains(name, ".test.") || strings.HasPrefix(name, "test_") ||
		strings.HasPrefix(dir, "test") || strings.Contains(dir, "/test") {
		s.report.Checks[CheckTests] = true
	}
}

func (s *basicScorecard) Result() any {
	passed := 0
	for _, ok := range s.report.Checks {
		if ok {
			passed++
		}
	}
	s.report.Score = float64(passed) / float64(len(s.report.Checks)) * 100
	return s.report
}
