package feedback

import (
	_ "embed"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

//go:embed errorlogging.js
var errorLoggingJS string

// InjectErrorLogging makes script reporting uncaught client errors the first
// child of the document's <html> element. Documents without an explicit
// <html> tag are returned unchanged with ok set to false.
func InjectErrorLogging(doc string) (out string, ok bool, err error) {
	if !strings.Contains(strings.ToLower(doc), "<html") {
		return doc, false, nil
	}
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return "", false, err
	}
	htmlNode := findElement(root, atom.Html)
	if htmlNode == nil {
		return doc, false, nil
	}

	script := &html.Node{Type: html.ElementNode, Data: "script", DataAtom: atom.Script}
	script.AppendChild(&html.Node{Type: html.TextNode, Data: errorLoggingJS})
	htmlNode.InsertBefore(script, htmlNode.FirstChild)

	var b strings.Builder
	if err := html.Render(&b, root); err != nil {
		return "", false, err
	}
	return b.String(), true, nil
}

func findElement(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, a); found != nil {
			return found
		}
	}
	return nil
}
