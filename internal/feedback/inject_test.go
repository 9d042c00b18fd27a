package feedback

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInjectErrorLogging(t *testing.T) {
	tests := []struct {
		name     string
		doc      string
		injected bool
	}{
		{"full document", "<!DOCTYPE html><html lang=\"en\"><head><title>t</title></head><body><p>x</p></body></html>", true},
		{"uppercase tag", "<HTML><BODY>hi</BODY></HTML>", true},
		{"fragment without html tag", "<div>hello</div>", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, ok, err := InjectErrorLogging(tt.doc)
			require.NoError(t, err)
			require.Equal(t, tt.injected, ok)
			if !tt.injected {
				require.Equal(t, tt.doc, out)
				return
			}

			require.Contains(t, out, "/log-error")
			htmlAt := strings.Index(strings.ToLower(out), "<html")
			scriptAt := strings.Index(out, "<script>")
			headAt := strings.Index(strings.ToLower(out), "<head")
			require.True(t, htmlAt >= 0 && htmlAt < scriptAt && scriptAt < headAt, out)
		})
	}
}

func TestInjectErrorLogging_KeepsContent(t *testing.T) {
	doc := `<html><head><script src="https://cdn.example/three.js"></script></head><body><canvas id="c"></canvas></body></html>`
	out, ok, err := InjectErrorLogging(doc)
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, out, `<script src="https://cdn.example/three.js"></script>`)
	require.Contains(t, out, `<canvas id="c"></canvas>`)
	require.Equal(t, 2, strings.Count(out, "<script"))
}
