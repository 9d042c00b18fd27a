package generator

import (
	"fmt"
	"strings"

	"github.com/ssuji15/synthgen/model"
)

const answerSchema = `{
  "files": [{"filename": "string", "content": "string", "language": "string"}],
  "installation_commands": "string",
  "additional_notes": "string"
}`

func questionPrompt(lang model.Language, previous string) string {
	var b strings.Builder
	b.WriteString("You write self contained coding tasks for software engineers. ")
	switch lang {
	case model.JavaScript:
		b.WriteString("The task must be solved with HTML, CSS and JavaScript running in a browser and must render something interactive or visual. ")
	default:
		b.WriteString("The task must be solved with a single Python script that produces a visualisation saved to an HTML or PNG file. ")
	}
	b.WriteString("Use only free, offline data. ")
	if previous != "" {
		fmt.Fprintf(&b, "Do not repeat this earlier task: %q. ", previous)
	}
	b.WriteString(`Reply with a JSON object of the form {"question": "..."}.`)
	return b.String()
}

func answerSystemPrompt() string {
	return "You are an expert at outputting json. You always output valid json based on this schema: " + answerSchema
}

func answerPrompt(question string, lang model.Language) string {
	switch lang {
	case model.JavaScript:
		return question + "\n\nAnswer with the files of a browser application. The files must include index.html and index.js."
	default:
		return question + "\n\nAnswer with a single file named main.py. Save the visualisation to an external HTML or PNG file in the working directory. Do not open a browser or call show()."
	}
}

func repairPrompt(code, traceback string) string {
	return fmt.Sprintf("Running main.py failed.\n\nCode:\n```python\n%s\n```\n\nError:\n```\n%s\n```\n\nFix the code and answer again with the same JSON schema.", code, traceback)
}
