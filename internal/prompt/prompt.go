// Package prompt implements the interactive credential prompt used when
// gateway credentials are missing from the configuration.
package prompt

import (
	"context"
	"errors"
	"fmt"

	"github.com/manifoldco/promptui"

	"github.com/dantte-lp/gotsgw/internal/rpce"
)

// Terminal is a promptui-backed credential prompt. Ctrl-C and Ctrl-D
// abort the prompt; aborts surface as rpce.ErrCancelled so the engine
// treats them as user-initiated, not as faults.
type Terminal struct{}

// New returns a terminal credential prompt.
func New() *Terminal {
	return &Terminal{}
}

// PromptCredentials asks for username, domain and password for the
// given gateway. Implements rpce.CredentialPrompt.
func (t *Terminal) PromptCredentials(ctx context.Context, gatewayHost string) (rpce.Credentials, error) {
	var creds rpce.Credentials

	if err := ctx.Err(); err != nil {
		return creds, fmt.Errorf("credential prompt: %w", rpce.ErrCancelled)
	}

	username, err := runPrompt(promptui.Prompt{
		Label: fmt.Sprintf("Username for %s", gatewayHost),
		Validate: func(input string) error {
			if input == "" {
				return errors.New("username must not be empty")
			}
			return nil
		},
	})
	if err != nil {
		return creds, err
	}

	domain, err := runPrompt(promptui.Prompt{
		Label: "Domain (optional)",
	})
	if err != nil {
		return creds, err
	}

	password, err := runPrompt(promptui.Prompt{
		Label: "Password",
		Mask:  '*',
		Validate: func(input string) error {
			if input == "" {
				return errors.New("password must not be empty")
			}
			return nil
		},
	})
	if err != nil {
		return creds, err
	}

	creds.Username = username
	creds.Domain = domain
	creds.Password = password

	return creds, nil
}

// runPrompt executes one promptui prompt, mapping interrupt and EOF to
// the engine's cancellation sentinel.
func runPrompt(p promptui.Prompt) (string, error) {
	result, err := p.Run()
	if err != nil {
		if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrAbort) || errors.Is(err, promptui.ErrEOF) {
			return "", fmt.Errorf("credential prompt: %w", rpce.ErrCancelled)
		}
		return "", fmt.Errorf("credential prompt: %w", err)
	}

	return result, nil
}
