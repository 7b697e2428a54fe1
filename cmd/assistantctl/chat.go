package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/capitalize-ai/banking-assistant/internal/backend"
	"github.com/capitalize-ai/banking-assistant/internal/consent"
	"github.com/capitalize-ai/banking-assistant/internal/conversation"
	"github.com/capitalize-ai/banking-assistant/internal/middleware"
	"github.com/capitalize-ai/banking-assistant/internal/model"
	"github.com/capitalize-ai/banking-assistant/pkg/logger"
)

type chatOptions struct {
	backendURL string
	issuerURL  string
	policy     string
}

func chatCmd(opts *globalOptions) *cobra.Command {
	co := &chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the assistant and decide tool calls interactively",
		Long: `Start an interactive session. Replies stream as they arrive. When the
assistant asks to run a tool that needs approval you are prompted; approving
obtains a consent limited to the roles the call needs.

Commands inside the session:
  /new   start a new thread
  /quit  leave`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), opts, co, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&co.backendURL, "backend-url", opts.cfg.BackendURL, "Assistant backend base URL")
	cmd.Flags().StringVar(&co.issuerURL, "issuer-url", opts.cfg.ConsentIssuerURL, "Consent issuing endpoint")
	cmd.Flags().StringVar(&co.policy, "zero-role-policy", opts.cfg.ApprovalZeroRolePolicy, "Approval policy for calls needing no roles: prompt or auto")
	return cmd
}

func runChat(ctx context.Context, opts *globalOptions, co *chatOptions, stdin io.Reader, out io.Writer) error {
	if opts.token == "" {
		return errors.New("a user token is required (--token or ASSISTANT_TOKEN)")
	}

	log, err := logger.NewConsole(opts.logLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	policy, err := conversation.ParseZeroRolePolicy(co.policy)
	if err != nil {
		return err
	}
	table, err := opts.table()
	if err != nil {
		return err
	}

	backendClient, err := backend.NewHTTPClient(backend.Config{
		BaseURL: co.backendURL,
		Timeout: opts.cfg.BackendTimeout,
	}, log)
	if err != nil {
		return err
	}
	issuer, err := consent.NewHTTPIssuer(consent.ClientConfig{
		URL:           co.issuerURL,
		Timeout:       opts.cfg.ConsentTimeout,
		RatePerSecond: opts.cfg.ConsentRateLimit,
	}, log)
	if err != nil {
		return err
	}

	ctrl, err := conversation.NewController(conversation.Options{
		Backend:        backendClient,
		Issuer:         issuer,
		Table:          table,
		ZeroRolePolicy: policy,
		Logger:         log,
	})
	if err != nil {
		return err
	}
	defer ctrl.Close()

	ctrl.SetPrincipal(conversation.Principal{
		Subject: opts.subject(),
		Bearer:  opts.token,
		Roles:   opts.heldRoles(),
	})

	s := &session{
		ctrl:    ctrl,
		in:      bufio.NewScanner(stdin),
		out:     out,
		view:    newTranscript(out),
		changed: make(chan struct{}, 1),
	}
	unsubscribe := ctrl.Subscribe(func(snap model.Snapshot) {
		s.view.update(snap)
		select {
		case s.changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	fmt.Fprintln(out, dim("thread "+ctrl.ThreadID()+" (/new, /quit)"))
	return s.run(ctx)
}

// session is one interactive chat on a terminal.
type session struct {
	ctrl    *conversation.Controller
	in      *bufio.Scanner
	out     io.Writer
	view    *transcript
	changed chan struct{}
}

func (s *session) run(ctx context.Context) error {
	prompt := color.New(color.FgCyan, color.Bold)
	for {
		prompt.Fprint(s.out, "you> ")
		line, ok := s.readLine()
		if !ok {
			fmt.Fprintln(s.out)
			return s.in.Err()
		}

		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/new":
			id := s.ctrl.NewThread()
			s.view.reset()
			fmt.Fprintln(s.out, dim("thread "+id))
			continue
		}

		if _, err := s.ctrl.Send(line); err != nil {
			fmt.Fprintln(s.out, errorText(err.Error()))
			continue
		}
		if err := s.waitIdle(ctx); err != nil {
			return err
		}
		if err := s.reviewApprovals(ctx); err != nil {
			return err
		}
	}
}

func (s *session) readLine() (string, bool) {
	if !s.in.Scan() {
		return "", false
	}
	return strings.TrimSpace(s.in.Text()), true
}

// waitIdle blocks until no stream is being consumed.
func (s *session) waitIdle(ctx context.Context) error {
	for s.ctrl.Streaming() {
		select {
		case <-s.changed:
		case <-ctx.Done():
			s.ctrl.Cancel()
			return ctx.Err()
		}
	}
	return nil
}

// reviewApprovals prompts for every call awaiting a decision, including
// calls raised by continuation streams of earlier approvals.
func (s *session) reviewApprovals(ctx context.Context) error {
	for {
		pending := s.ctrl.PendingApprovals()
		if len(pending) == 0 {
			return nil
		}
		tc := pending[0]

		describeApproval(s.out, tc)
		fmt.Fprint(s.out, "  approve? [y/N] ")
		answer, ok := s.readLine()
		if !ok {
			fmt.Fprintln(s.out)
			return s.in.Err()
		}

		var err error
		switch strings.ToLower(answer) {
		case "y", "yes":
			err = s.ctrl.Approve(ctx, tc.ID)
		default:
			err = s.ctrl.Reject(ctx, tc.ID)
		}
		if err != nil {
			fmt.Fprintln(s.out, errorText("  "+err.Error()))
		}
		if err := s.waitIdle(ctx); err != nil {
			return err
		}
	}
}

// tokenClaims reads the user's token claims without verifying them. They
// only steer client side role resolution.
func (o *globalOptions) tokenClaims() *middleware.Claims {
	if o.token == "" {
		return nil
	}
	claims := &middleware.Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(o.token, claims); err != nil {
		return nil
	}
	return claims
}

func (o *globalOptions) subject() string {
	if c := o.tokenClaims(); c != nil {
		return c.Subject
	}
	return ""
}
