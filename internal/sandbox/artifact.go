package sandbox

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
)

// BaseTemplate is the HTML shell wrapped around non-HTML artifacts.
const BaseTemplate = `
<!DOCTYPE html>
<html>

<head>
    <title>Python Executor</title>
</head>

<body>
    {content}
</body>

</html>
`

// kernelPort is the interpreter's own control port and is never an artifact.
const kernelPort = 8888

func WrapHTML(content string) string {
	return strings.Replace(BaseTemplate, "{content}", content, 1)
}

func imageTag(png []byte) string {
	return fmt.Sprintf(`<img src="data:image/png;base64, %s" />`, base64.StdEncoding.EncodeToString(png))
}

// selectArtifact turns a run outcome into exactly one HTML document. A served
// page takes precedence over written files.
func selectArtifact(ctx context.Context, sess Session, out *Outcome, code string) (html, source string, err error) {
	if out.Traceback != "" {
		var cause error
		if isSyntaxTraceback(out.Traceback) {
			cause = ErrSyntax
		}
		return "", "", newExecutionError(out.Traceback, code, cause)
	}

	if port, ok := openedPort(out.Ports); ok {
		status, body, err := sess.Fetch(ctx, port)
		if err != nil {
			return "", "", fmt.Errorf("fetch port %d: %w", port, err)
		}
		source = fmt.Sprintf("port:%d", port)
		if status != http.StatusOK {
			return WrapHTML(""), source, nil
		}
		return string(body), source, nil
	}

	var candidates []File
	for _, f := range out.Files {
		switch strings.ToLower(filepath.Ext(f.Name)) {
		case ".html", ".png":
			candidates = append(candidates, f)
		}
	}
	switch len(candidates) {
	case 0:
		return "", "", ErrNoArtifactProduced
	case 1:
	default:
		names := make([]string, 0, len(candidates))
		for _, f := range candidates {
			names = append(names, f.Name)
		}
		return "", "", fmt.Errorf("%w: %s", ErrMultipleArtifacts, strings.Join(names, ", "))
	}

	f := candidates[0]
	if strings.EqualFold(filepath.Ext(f.Name), ".png") {
		return WrapHTML(imageTag(f.Data)), f.Name, nil
	}
	return string(f.Data), f.Name, nil
}

func openedPort(ports []int) (int, bool) {
	var open []int
	for _, p := range ports {
		if p > 0 && p != kernelPort {
			open = append(open, p)
		}
	}
	if len(open) == 0 {
		return 0, false
	}
	sort.Ints(open)
	return open[0], true
}

func isSyntaxTraceback(tb string) bool {
	lines := strings.Split(strings.TrimRight(tb, "\n"), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	for _, p := range []string{"SyntaxError", "IndentationError", "TabError"} {
		if strings.HasPrefix(last, p) {
			return true
		}
	}
	return false
}
