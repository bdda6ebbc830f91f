package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/upb/authgate/app"
)

const groupsUsage = "usage: authgate groups <list|add|remove|set> -account <id> [group...]"

// membershipAdmin is the subset of app.MembershipAdmin the command drives
type membershipAdmin interface {
	List(ctx context.Context, accountID string) ([]string, error)
	Add(ctx context.Context, accountID, group string) error
	Remove(ctx context.Context, accountID, group string) error
	Replace(ctx context.Context, accountID string, groups []string) error
}

type groupsCommand struct {
	action  string
	account string
	groups  []string
}

// runGroups manages the group directory, for example seeding test accounts
// into adminIT
func runGroups(args []string, out io.Writer) error {
	cmd, err := parseGroupsArgs(args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := bootstrap(ctx)
	if err != nil {
		return err
	}

	deps, err := app.NewDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer func() { _ = deps.Close(context.Background()) }()

	if deps.Memberships == nil {
		return app.ErrNoGroupDirectory
	}
	return cmd.execute(ctx, deps.Memberships, out)
}

func parseGroupsArgs(args []string) (groupsCommand, error) {
	if len(args) == 0 {
		return groupsCommand{}, errors.New(groupsUsage)
	}

	cmd := groupsCommand{action: args[0]}
	fs := flag.NewFlagSet("groups "+cmd.action, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cmd.account, "account", "", "account href or ID")
	if err := fs.Parse(args[1:]); err != nil {
		return groupsCommand{}, fmt.Errorf("%w\n%s", err, groupsUsage)
	}
	cmd.groups = fs.Args()

	if cmd.account == "" {
		return groupsCommand{}, fmt.Errorf("-account is required\n%s", groupsUsage)
	}

	switch cmd.action {
	case "list":
		if len(cmd.groups) != 0 {
			return groupsCommand{}, errors.New("list takes no groups")
		}
	case "add", "remove":
		if len(cmd.groups) != 1 {
			return groupsCommand{}, fmt.Errorf("%s takes exactly one group", cmd.action)
		}
	case "set":
	default:
		return groupsCommand{}, fmt.Errorf("unknown action %q\n%s", cmd.action, groupsUsage)
	}
	return cmd, nil
}

func (c groupsCommand) execute(ctx context.Context, admin membershipAdmin, out io.Writer) error {
	var err error
	switch c.action {
	case "add":
		err = admin.Add(ctx, c.account, c.groups[0])
	case "remove":
		err = admin.Remove(ctx, c.account, c.groups[0])
	case "set":
		err = admin.Replace(ctx, c.account, c.groups)
	}
	if err != nil {
		return fmt.Errorf("%s memberships of %s: %w", c.action, c.account, err)
	}

	groups, err := admin.List(ctx, c.account)
	if err != nil {
		return fmt.Errorf("list memberships of %s: %w", c.account, err)
	}
	_, err = fmt.Fprintf(out, "%s\t%s\n", c.account, strings.Join(groups, ","))
	return err
}
