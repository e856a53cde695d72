// Command assetsync browses and edits the assets of the cloud and local
// backends from the terminal.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/samber/lo"
	"github.com/urfave/cli/v3"

	"github.com/fruitsalade/assetsync/internal/assetid"
	"github.com/fruitsalade/assetsync/internal/auth"
	"github.com/fruitsalade/assetsync/internal/backend"
	"github.com/fruitsalade/assetsync/internal/config"
	"github.com/fruitsalade/assetsync/internal/drive"
	"github.com/fruitsalade/assetsync/internal/execution"
	"github.com/fruitsalade/assetsync/internal/lifecycle"
)

func main() {
	cmd := &cli.Command{
		Name:  "assetsync",
		Usage: "Manage cloud and local project assets",
		Commands: []*cli.Command{
			{
				Name:      "login",
				Usage:     "Save a session token",
				ArgsUsage: "<token>",
				Flags:     []cli.Flag{&cli.StringFlag{Name: "server", Usage: "API server the token belongs to"}},
				Action:    login,
			},
			{Name: "whoami", Usage: "Show the signed-in user", Action: withApp(whoami)},
			{Name: "categories", Usage: "List the top-level views", Action: withApp(categories)},
			{
				Name:      "ls",
				Usage:     "List a directory",
				ArgsUsage: "[directory-id]",
				Flags:     []cli.Flag{&cli.StringFlag{Name: "category", Aliases: []string{"c"}, Value: string(drive.CategoryCloud)}},
				Action:    withApp(list),
			},
			{
				Name:      "mkdir",
				Usage:     "Create a directory",
				ArgsUsage: "<title>",
				Flags:     []cli.Flag{localFlag, parentFlag},
				Action:    withApp(mkdir),
			},
			{
				Name:      "upload",
				Usage:     "Upload files and project bundles",
				ArgsUsage: "<path>...",
				Flags: []cli.Flag{
					localFlag, parentFlag,
					&cli.StringFlag{Name: "on-conflict", Value: string(drive.ResolutionRename), Usage: "update, rename or skip"},
				},
				Action: withApp(uploadFiles),
			},
			{
				Name:      "mv",
				Usage:     "Move assets into a directory",
				ArgsUsage: "<id>...",
				Flags:     []cli.Flag{localFlag, &cli.StringFlag{Name: "to", Required: true}},
				Action:    withApp(move),
			},
			{
				Name:      "rm",
				Usage:     "Move assets to the trash",
				ArgsUsage: "<id>...",
				Flags:     []cli.Flag{localFlag, &cli.BoolFlag{Name: "force", Usage: "delete permanently"}},
				Action:    withApp(remove),
			},
			{Name: "restore", Usage: "Restore assets from the trash", ArgsUsage: "<id>...", Action: withApp(restore)},
			{Name: "empty-trash", Usage: "Delete everything in the trash", Action: withApp(emptyTrash)},
			{
				Name:      "open",
				Usage:     "Open a project and wait until it is ready",
				ArgsUsage: "<project-id>",
				Flags:     []cli.Flag{localFlag, &cli.DurationFlag{Name: "timeout", Value: 5 * time.Minute}},
				Action:    withApp(openProject),
			},
			{Name: "close", Usage: "Close a project", ArgsUsage: "<project-id>", Flags: []cli.Flag{localFlag}, Action: withApp(closeProject)},
			{
				Name:      "executions",
				Usage:     "List the scheduled executions of a project",
				ArgsUsage: "<project-id>",
				Flags:     []cli.Flag{&cli.DurationFlag{Name: "window", Value: 7 * 24 * time.Hour, Usage: "show runs this far ahead"}},
				Action:    withApp(executions),
			},
			{Name: "watch", Usage: "Follow changes to the local root", Action: withApp(watch)},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "assetsync:", err)
		os.Exit(1)
	}
}

var (
	localFlag  = &cli.BoolFlag{Name: "local", Aliases: []string{"l"}, Usage: "use the local backend"}
	parentFlag = &cli.StringFlag{Name: "parent", Aliases: []string{"p"}, Usage: "parent directory id, the root when empty"}
)

func withApp(fn func(ctx context.Context, cmd *cli.Command, a *app) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		err = fn(ctx, cmd, a)
		if cerr := a.close(); err == nil {
			err = cerr
		}
		return err
	}
}

func backendOf(cmd *cli.Command) backend.Type {
	if cmd.Bool("local") {
		return backend.TypeLocal
	}
	return backend.TypeRemote
}

func ids(cmd *cli.Command) ([]assetid.ID, error) {
	args := cmd.Args().Slice()
	if len(args) == 0 {
		return nil, errors.New("at least one asset id is required")
	}
	out := make([]assetid.ID, len(args))
	for i, arg := range args {
		out[i] = assetid.ID(arg)
		if _, err := assetid.KindOf(out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

func login(_ context.Context, cmd *cli.Command) error {
	token := cmd.Args().First()
	if token == "" {
		return errors.New("token is required")
	}
	claims, err := auth.ParseUnverified(token)
	if err != nil {
		return fmt.Errorf("malformed token: %w", err)
	}
	if auth.Expired(claims, 0) {
		return errors.New("token has expired")
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	path := cfg.TokenFile
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	if err := auth.SaveTokenFile(path, auth.TokenFile{Token: token, Server: cmd.String("server"), Subject: claims.Subject}); err != nil {
		return err
	}
	fmt.Printf("signed in as %s\n", firstNonEmpty(claims.Email, claims.Name, claims.Subject))
	return nil
}

func whoami(ctx context.Context, _ *cli.Command, a *app) error {
	u, err := a.drive.UsersMe(ctx, backend.TypeRemote)
	if err != nil {
		return err
	}
	if u == nil {
		return errors.New("not signed in")
	}
	fmt.Printf("%s <%s> plan=%s root=%s\n", u.Name, u.Email, firstNonEmpty(string(u.Plan), "free"), u.RootDirectoryID)
	return nil
}

func categories(ctx context.Context, _ *cli.Command, a *app) error {
	cats, err := a.drive.Categories(ctx, nil)
	if err != nil {
		return err
	}
	w := newTable()
	fmt.Fprintln(w, "TYPE\tLABEL\tROOT")
	for _, c := range cats {
		fmt.Fprintf(w, "%s\t%s\t%s\n", c.Type, c.Label, c.Root)
	}
	return w.Flush()
}

func list(ctx context.Context, cmd *cli.Command, a *app) error {
	cats, err := a.drive.Categories(ctx, nil)
	if err != nil {
		return err
	}
	want := drive.CategoryType(cmd.String("category"))
	cat, ok := lo.Find(cats, func(c drive.Category) bool { return c.Type == want })
	if !ok {
		return fmt.Errorf("category %q is not available", want)
	}
	assets, err := a.drive.List(ctx, cat, assetid.ID(cmd.Args().First()))
	if err != nil {
		return err
	}
	w := newTable()
	fmt.Fprintln(w, "TYPE\tID\tTITLE\tMODIFIED\tSTATE")
	for _, asset := range assets {
		state := ""
		if asset.ProjectState != nil {
			state = string(asset.ProjectState.Type)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", asset.Type, asset.ID, asset.Title, asset.ModifiedAt.Local().Format(time.DateTime), state)
	}
	return w.Flush()
}

func mkdir(ctx context.Context, cmd *cli.Command, a *app) error {
	title := cmd.Args().First()
	if title == "" {
		return errors.New("title is required")
	}
	created, err := a.drive.CreateDirectory(ctx, backendOf(cmd), assetid.ID(cmd.String("parent")), title)
	if err != nil {
		return err
	}
	fmt.Println(created.ID)
	return nil
}

// fileSource is an upload source backed by an open file.
type fileSource struct {
	*os.File
	size int64
}

func (f fileSource) Size() int64 { return f.size }

func uploadFiles(ctx context.Context, cmd *cli.Command, a *app) error {
	paths := cmd.Args().Slice()
	if len(paths) == 0 {
		return errors.New("at least one path is required")
	}
	resolution := drive.Resolution(cmd.String("on-conflict"))
	if !lo.Contains([]drive.Resolution{drive.ResolutionUpdate, drive.ResolutionRename, drive.ResolutionSkip}, resolution) {
		return fmt.Errorf("unknown conflict resolution %q", resolution)
	}

	items := make([]drive.UploadItem, 0, len(paths))
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return err
		}
		if info.IsDir() {
			return fmt.Errorf("%s is a directory", p)
		}
		abs, _ := filepath.Abs(p)
		items = append(items, drive.UploadItem{Name: filepath.Base(p), Source: fileSource{File: f, size: info.Size()}, FilePath: abs})
	}

	batch, err := a.drive.UploadFiles(ctx, backendOf(cmd), assetid.ID(cmd.String("parent")), items)
	if err != nil {
		return err
	}
	for _, c := range batch.Conflicts() {
		fmt.Fprintf(os.Stderr, "%s already exists, resolving with %s\n", c.Item.Name, resolution)
	}
	if err := batch.ResolveAll(resolution); err != nil {
		return err
	}
	results, err := batch.Wait(ctx)
	for _, r := range results {
		switch {
		case r.Err != nil:
			fmt.Printf("%s\tfailed: %v\n", r.Name, r.Err)
		case r.Skipped:
			fmt.Printf("%s\tskipped\n", r.Name)
		default:
			fmt.Printf("%s\t%s\n", r.Name, r.Asset.ID)
		}
	}
	return err
}

func move(ctx context.Context, cmd *cli.Command, a *app) error {
	list, err := ids(cmd)
	if err != nil {
		return err
	}
	return a.drive.MoveAssets(ctx, backendOf(cmd), list, assetid.ID(cmd.String("to")))
}

func remove(ctx context.Context, cmd *cli.Command, a *app) error {
	list, err := ids(cmd)
	if err != nil {
		return err
	}
	return a.drive.DeleteAssets(ctx, backendOf(cmd), list, cmd.Bool("force"))
}

func restore(ctx context.Context, cmd *cli.Command, a *app) error {
	list, err := ids(cmd)
	if err != nil {
		return err
	}
	return a.drive.RestoreAssets(ctx, backend.TypeRemote, list)
}

func emptyTrash(ctx context.Context, _ *cli.Command, a *app) error {
	return a.drive.ClearTrash(ctx, backend.TypeRemote)
}

func projectArg(cmd *cli.Command) (lifecycle.Project, error) {
	id := assetid.ID(cmd.Args().First())
	if kind, err := assetid.KindOf(id); err != nil || kind != assetid.Project {
		return lifecycle.Project{}, fmt.Errorf("%q is not a project id", id)
	}
	return lifecycle.Project{Backend: backendOf(cmd), ID: id}, nil
}

func openProject(ctx context.Context, cmd *cli.Command, a *app) error {
	p, err := projectArg(cmd)
	if err != nil {
		return err
	}
	if err := a.drive.OpenProject(ctx, p); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, cmd.Duration("timeout"))
	defer cancel()
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
	for {
		state, _ := a.tracker.State(p)
		if state == backend.StateOpened {
			fmt.Println(state)
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("project still %s: %w", firstNonEmpty(string(state), "unknown"), ctx.Err())
		case <-tick.C:
		}
	}
}

func closeProject(ctx context.Context, cmd *cli.Command, a *app) error {
	p, err := projectArg(cmd)
	if err != nil {
		return err
	}
	return a.drive.CloseProject(ctx, p)
}

func executions(ctx context.Context, cmd *cli.Command, a *app) error {
	id := assetid.ID(cmd.Args().First())
	list, err := a.drive.ListProjectExecutions(ctx, backend.TypeRemote, id)
	if err != nil {
		return err
	}
	now := time.Now()
	w := newTable()
	fmt.Fprintln(w, "ID\tREPEAT\tENABLED\tNEXT\tRUNS")
	for _, pe := range list {
		next, err := execution.Next(pe, now)
		if err != nil {
			return err
		}
		runs, err := execution.RunsBetween(pe, now, now.Add(cmd.Duration("window")))
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%d\n", pe.ID, pe.Repeat.Type, pe.Enabled, next.Local().Format(time.DateTime), len(runs))
	}
	return w.Flush()
}

func watch(ctx context.Context, _ *cli.Command, a *app) error {
	events, cancel := a.drive.Cache().Subscribe()
	defer cancel()
	go func() {
		for ev := range events {
			fmt.Printf("%s\t%s\n", ev.Type, ev.Key)
		}
	}()
	err := a.drive.WatchLocal(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func firstNonEmpty(vals ...string) string {
	v, _ := lo.Coalesce(vals...)
	return v
}
