package gateway

import (
	"html/template"
	"net/http"
	"os"
	"path/filepath"
	"sort"
)

// browseTemplate renders the minimal workspace file-browser page.
var browseTemplate = template.Must(template.New("browse").Parse(`<!DOCTYPE html>
<html>
<head><title>Workspace files</title>
<style>
body { font-family: monospace; margin: 2em; }
li { margin: 0.2em 0; }
</style>
</head>
<body>
<h1>Workspace files</h1>
<ul>
{{range .}}<li><a href="/files/{{.Path}}">{{.Path}}</a> ({{.Size}} bytes)</li>
{{else}}<li>(empty)</li>
{{end}}</ul>
</body>
</html>
`))

type browseEntry struct {
	Path string
	Size int64
}

// handleBrowse lists the workspace directory as an HTML page with download
// links served through /files/.
func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request) {
	var entries []browseEntry

	filepath.WalkDir(s.cfg.WorkspaceDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if len(name) > 0 && name[0] == '.' && path != s.cfg.WorkspaceDir {
				return filepath.SkipDir
			}
			return nil
		}
		if len(name) > 0 && name[0] == '.' {
			return nil
		}
		rel, err := filepath.Rel(s.cfg.WorkspaceDir, path)
		if err != nil {
			return nil
		}
		var size int64
		if info, err := d.Info(); err == nil {
			size = info.Size()
		}
		entries = append(entries, browseEntry{Path: rel, Size: size})
		return nil
	})

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	browseTemplate.Execute(w, entries)
}
