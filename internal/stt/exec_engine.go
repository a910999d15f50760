package stt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"sync"

	"github.com/mattn/go-shellwords"
)

// execEngine runs an external recognizer that prints one JSON object per
// line on stdout:
//
//	{"alternatives":[{"transcript":"hola","confidence":0.9}],"final":true}
//	{"error":"no-speech"}
type execEngine struct {
	cmd []string
	mu  sync.Mutex
}

type execLine struct {
	Alternatives []Hypothesis `json:"alternatives"`
	Final        bool         `json:"final"`
	Error        string       `json:"error"`
}

func NewExecEngine(command string) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execEngine{cmd: args}, nil
}

func (e *execEngine) Recognize(ctx context.Context, s Settings, consume func(Utterance) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmdArgs := append([]string{}, e.cmd[1:]...)
	if s.Language != "" {
		cmdArgs = append(cmdArgs, "--language", s.Language)
	}
	if s.MaxAlternatives > 0 {
		cmdArgs = append(cmdArgs, "--max-alternatives", strconv.Itoa(s.MaxAlternatives))
	}
	if s.Continuous {
		cmdArgs = append(cmdArgs, "--continuous")
	}
	if s.InterimResults {
		cmdArgs = append(cmdArgs, "--interim")
	}

	command := exec.CommandContext(ctx, e.cmd[0], cmdArgs...)
	var stderr bytes.Buffer
	command.Stderr = &stderr
	stdout, err := command.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stt stdout: %w", err)
	}
	if err := command.Start(); err != nil {
		return &RecognitionError{Code: CodeServiceNotAllowed, Err: err}
	}

	var result error
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg execLine
		if err := json.Unmarshal(line, &msg); err != nil {
			result = fmt.Errorf("decode stt response: %w", err)
			break
		}
		if msg.Error != "" {
			result = &RecognitionError{Code: msg.Error}
			break
		}
		if err := consume(Utterance{Alternatives: msg.Alternatives, Final: msg.Final}); err != nil {
			result = err
			break
		}
	}
	if result == nil {
		result = scanner.Err()
	}
	if result != nil {
		cancel()
	}

	waitErr := command.Wait()
	switch {
	case result != nil:
		return result
	case ctx.Err() != nil:
		return ctx.Err()
	case waitErr != nil:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return fmt.Errorf("stt command failed: %w: %s", waitErr, stderr.String())
		}
		return waitErr
	}
	return nil
}
