package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/ssuji15/synthgen/internal/llm"
	"github.com/ssuji15/synthgen/internal/sandbox"
	"github.com/ssuji15/synthgen/internal/service/logger"
	"github.com/ssuji15/synthgen/internal/tracer"
	"github.com/ssuji15/synthgen/internal/util"
	"github.com/ssuji15/synthgen/model"
)

var (
	ErrNoQuestion = errors.New("generator: no question generated")
	ErrNoMainFile = errors.New("generator: answer has no main.py")
)

type Completer interface {
	Complete(ctx context.Context, model string, messages []llm.Message, jsonMode bool) (string, error)
}

type Executor interface {
	Execute(ctx context.Context, req sandbox.Request) (*sandbox.Artifact, error)
}

// Feedback collects client side errors raised by an HTML document.
type Feedback interface {
	Run(ctx context.Context, doc string) (string, error)
}

type Options struct {
	GeneratorModel   string
	AnswerModels     []string
	MaxRepairs       int
	QuestionAttempts int
	Language         model.Language
}

// Generator produces one work item: a generated coding question plus one
// checked answer per answer model.
type Generator struct {
	llm      Completer
	exec     Executor
	feedback Feedback
	opts     Options

	mu       sync.Mutex
	previous string
}

// New wires a generator. feedback may be nil, in which case JavaScript
// answers are returned without browser feedback.
func New(c Completer, exec Executor, feedback Feedback, opts Options) (*Generator, error) {
	if c == nil || exec == nil {
		return nil, errors.New("generator: completer and executor are required")
	}
	if opts.GeneratorModel == "" || len(opts.AnswerModels) == 0 {
		return nil, errors.New("generator: generator and answer models are required")
	}
	if opts.QuestionAttempts <= 0 {
		opts.QuestionAttempts = 5
	}
	if opts.MaxRepairs < 0 {
		opts.MaxRepairs = 0
	}
	if opts.Language == "" {
		opts.Language = model.Python
	}
	return &Generator{llm: c, exec: exec, feedback: feedback, opts: opts}, nil
}

// Produce generates an item in the default language.
func (g *Generator) Produce(ctx context.Context) (any, error) {
	return g.Generate(ctx, g.opts.Language)
}

func (g *Generator) Generate(ctx context.Context, lang model.Language) (*model.WorkItem, error) {
	ctx, span := tracer.GetTracer().Start(ctx, "Generator/Generate")
	defer span.End()

	if !lang.Valid() {
		err := fmt.Errorf("generator: invalid language %q", lang)
		util.RecordSpanError(span, err)
		return nil, err
	}

	question, err := g.question(ctx, lang)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}

	responses := make([]model.Response, len(g.opts.AnswerModels))
	eg, ectx := errgroup.WithContext(ctx)
	for i, m := range g.opts.AnswerModels {
		eg.Go(func() error {
			answer, err := g.answer(ectx, m, question, lang)
			if err != nil {
				return fmt.Errorf("answer from %s: %w", m, err)
			}
			responses[i] = model.Response{Model: m, Completion: *answer}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}

	return &model.WorkItem{Prompt: question, Language: lang, Responses: responses}, nil
}

func (g *Generator) question(ctx context.Context, lang model.Language) (string, error) {
	log := logger.FromContext(ctx)
	g.mu.Lock()
	previous := g.previous
	g.mu.Unlock()

	var question string
	op := func() error {
		out, err := g.llm.Complete(ctx, g.opts.GeneratorModel, []llm.Message{
			{Role: llm.RoleSystem, Content: questionPrompt(lang, previous)},
		}, true)
		if err != nil {
			return err
		}
		var parsed struct {
			Question string `json:"question"`
		}
		if err := json.Unmarshal([]byte(stripFences(out)), &parsed); err != nil {
			return fmt.Errorf("parse question: %w", err)
		}
		if strings.TrimSpace(parsed.Question) == "" {
			return ErrNoQuestion
		}
		question = parsed.Question
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(g.opts.QuestionAttempts-1)), ctx)
	notify := func(err error, _ time.Duration) {
		log.Warn().Err(err).Str("model", g.opts.GeneratorModel).Msg("question generation failed, retrying")
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return "", fmt.Errorf("%w after %d attempts: %v", ErrNoQuestion, g.opts.QuestionAttempts, err)
	}

	g.mu.Lock()
	g.previous = question
	g.mu.Unlock()
	log.Info().Str("model", g.opts.GeneratorModel).Msg("generated question")
	return question, nil
}

// answer asks one model for a solution. Python solutions are executed and fed
// back to the model for repair until they produce an artifact.
func (g *Generator) answer(ctx context.Context, m, question string, lang model.Language) (*model.CodeAnswer, error) {
	log := logger.FromContext(ctx).With().Str("model", m).Logger()
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: answerSystemPrompt()},
		{Role: llm.RoleUser, Content: answerPrompt(question, lang)},
	}

	for repair := 0; ; repair++ {
		out, err := g.llm.Complete(ctx, m, messages, true)
		if err != nil {
			return nil, err
		}
		var answer model.CodeAnswer
		if err := json.Unmarshal([]byte(stripFences(out)), &answer); err != nil {
			return nil, fmt.Errorf("parse answer: %w", err)
		}

		if lang == model.JavaScript {
			g.withJavaScriptFiles(ctx, &answer)
			return &answer, nil
		}

		code, err := mainFile(&answer)
		if err != nil {
			return nil, err
		}
		art, err := g.exec.Execute(ctx, sandbox.Request{Code: code, Language: model.Python})
		if err == nil {
			answer.Files = []model.FileObject{{Filename: "index.html", Content: art.HTML, Language: "html"}}
			return &answer, nil
		}
		reason, ok := repairable(err)
		if !ok || repair >= g.opts.MaxRepairs {
			return nil, err
		}
		log.Info().Int("repair", repair+1).Msg("execution failed, asking model for a fix")
		messages = append(messages,
			llm.Message{Role: llm.RoleAssistant, Content: out},
			llm.Message{Role: llm.RoleUser, Content: repairPrompt(code, reason)},
		)
	}
}

// repairable reports whether err is the code's fault and returns the text to
// show the model.
func repairable(err error) (string, bool) {
	var execErr *sandbox.ExecutionError
	switch {
	case errors.As(err, &execErr):
		return execErr.Err, true
	case errors.Is(err, sandbox.ErrNoArtifactProduced), errors.Is(err, sandbox.ErrMultipleArtifacts):
		return err.Error(), true
	}
	return "", false
}

func mainFile(answer *model.CodeAnswer) (string, error) {
	for _, f := range answer.Files {
		if f.Filename == "main.py" {
			return f.Content, nil
		}
	}
	return "", ErrNoMainFile
}

func (g *Generator) withJavaScriptFiles(ctx context.Context, answer *model.CodeAnswer) {
	answer.Files = append(answer.Files, model.FileObject{
		Filename: "package.json",
		Content:  packageJSON,
		Language: "json",
	})
	if g.feedback == nil {
		return
	}
	for _, f := range answer.Files {
		if f.Filename != "index.html" {
			continue
		}
		fb, err := g.feedback.Run(ctx, f.Content)
		if err != nil {
			l := logger.FromContext(ctx)
			l.Warn().Err(err).Msg("browser feedback failed")
			return
		}
		answer.Feedback = fb
		return
	}
}

const packageJSON = `{
    "name": "javascript",
    "version": "1.0.0",
    "description": "The JavaScript template",
    "scripts": {
        "start": "parcel ./index.html",
        "build": "parcel build ./index.html"
    },
    "devDependencies": {
        "parcel": "^2.0.0",
        "babel-eslint": "^10.1.0",
        "eslint": "^7.2.0"
    },
    "keywords": ["css", "javascript"]
}`

// stripFences removes a markdown code fence some models wrap JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
