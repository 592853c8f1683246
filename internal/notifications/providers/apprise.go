package providers

import (
	"context"
	"fmt"
	"os/exec"
)

// AppriseProvider shells out to the `apprise` CLI, fanning a message out to
// whatever notification services the operator configured as targets.
type AppriseProvider struct {
	Command string
	Targets string
}

func NewAppriseProvider(command, targets string) *AppriseProvider {
	if command == "" {
		command = "apprise"
	}
	return &AppriseProvider{Command: command, Targets: targets}
}

func (p *AppriseProvider) Available() bool {
	if p.Targets == "" {
		return false
	}
	_, err := exec.LookPath(p.Command)
	return err == nil
}

func (p *AppriseProvider) Validate(config map[string]interface{}) error {
	if p.Targets == "" {
		return fmt.Errorf("apprise provider: no targets configured")
	}
	return nil
}

func (p *AppriseProvider) Send(ctx context.Context, message Message) error {
	body := message.Title
	if message.Body != "" {
		body = message.Title + "\n" + message.Body
	}
	cmd := exec.CommandContext(ctx, p.Command, "-t", message.Title, "-b", body, p.Targets)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("apprise send failed: %w (%s)", err, string(out))
	}
	return nil
}
