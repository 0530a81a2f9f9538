package agent

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/agentdeck/agentdeck-backend/internal/pkg/apierr"
	"github.com/agentdeck/agentdeck-backend/internal/pkg/logger"
)

// CLIAgent runs an external command-line assistant. The prompt is written to
// the process's stdin, stdout lines stream back as text blocks, and the exit
// status decides success. Cancellation kills the process via ctx.
type CLIAgent struct {
	log     *logger.Logger
	command []string
}

func NewCLIAgent(log *logger.Logger, command []string) (*CLIAgent, error) {
	if len(command) == 0 || strings.TrimSpace(command[0]) == "" {
		return nil, fmt.Errorf("cli agent command is required")
	}
	return &CLIAgent{
		log:     log.With("component", "CLIAgent", "command", command[0]),
		command: command,
	}, nil
}

func (a *CLIAgent) Run(ctx context.Context, prompt, folderContext string, onChunk ChunkFunc) (*Result, error) {
	cmd := exec.CommandContext(ctx, a.command[0], a.command[1:]...)
	if strings.TrimSpace(folderContext) != "" {
		cmd.Dir = folderContext
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, apierr.Agent("agent_start_failed", fmt.Errorf("open stdin: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apierr.Agent("agent_start_failed", fmt.Errorf("open stdout: %w", err))
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, apierr.Agent("agent_start_failed", fmt.Errorf("start %q: %w", a.command[0], err))
	}

	go func() {
		defer stdin.Close()
		_, _ = io.WriteString(stdin, prompt)
		if !strings.HasSuffix(prompt, "\n") {
			_, _ = io.WriteString(stdin, "\n")
		}
	}()

	var final strings.Builder
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if final.Len() > 0 {
			final.WriteString("\n")
		}
		final.WriteString(line)
		if onChunk != nil {
			onChunk(Block{Type: BlockText, Text: line + "\n"})
		}
	}
	scanErr := scanner.Err()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, apierr.Cancelled(fmt.Errorf("agent process aborted: %w", ctx.Err()))
		}
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return nil, apierr.Agent("agent_exit_failure", fmt.Errorf("%q failed: %v: %s", a.command[0], err, detail))
		}
		return nil, apierr.Agent("agent_exit_failure", fmt.Errorf("%q failed: %w", a.command[0], err))
	}
	if scanErr != nil {
		return nil, apierr.Agent("agent_stream_failed", fmt.Errorf("read %q output: %w", a.command[0], scanErr))
	}

	return &Result{FinalText: final.String()}, nil
}
