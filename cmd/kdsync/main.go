package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/kernelops/kdsync/internal/backend"
	"github.com/kernelops/kdsync/internal/config"
	"github.com/kernelops/kdsync/internal/ledger"
	"github.com/kernelops/kdsync/internal/poller"
	"github.com/kernelops/kdsync/internal/registry"
	"github.com/kernelops/kdsync/internal/storage"
	"github.com/kernelops/kdsync/internal/storage/drive"
	"github.com/kernelops/kdsync/internal/storage/miniostore"
	"github.com/kernelops/kdsync/internal/syncer"
	"github.com/kernelops/kdsync/internal/transfer"
	"github.com/kernelops/kdsync/pkg/models"
	"github.com/kernelops/kdsync/pkg/utils"
	"github.com/kernelops/kdsync/pkg/version"
)

func main() {
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"v"},
		Usage:   "print the version",
	}

	app := &cli.App{
		Name:                 "kdsync",
		Usage:                "Sync Kaggle kernel outputs to remote storage",
		Version:              version.Version,
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to project.yaml",
				Value:   "project.yaml",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "version",
				Usage: "Print detailed version information",
				Action: func(c *cli.Context) error {
					fmt.Printf("Version:    %s\n", version.Version)
					fmt.Printf("Git commit: %s\n", version.GitCommit)
					fmt.Printf("Built:      %s\n", version.BuildTime)
					return nil
				},
			},
			{
				Name:   "setup",
				Usage:  "Create the remote folder hierarchy",
				Action: runSetup,
			},
			{
				Name:   "status",
				Usage:  "Show sync history and cache statistics",
				Action: showStatus,
			},
			{
				Name:   "list",
				Usage:  "List your kernels on Kaggle",
				Action: listKernels,
			},
			{
				Name:      "sync",
				Usage:     "Wait for a kernel run to finish and sync its outputs",
				ArgsUsage: "<owner/kernel-slug>",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "quiet",
						Usage: "Disable the progress bar",
					},
				},
				Action: runSync,
			},
			{
				Name:  "create-project",
				Usage: "Register a project for a kernel",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "name",
						Usage:    "Project name",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "kernel",
						Usage:    "Kernel slug (owner/kernel-name)",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "description",
						Usage: "Project description",
					},
				},
				Action: createProject,
			},
			{
				Name:   "list-projects",
				Usage:  "List registered projects",
				Action: listProjects,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// env is everything a command needs, wired from configuration.
type env struct {
	cfg config.Config
	led *ledger.Ledger
	reg *registry.DB
}

func loadEnv(c *cli.Context) (*env, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	led, err := ledger.Open(cfg.Paths.LedgerFile)
	if err != nil {
		if !errors.Is(err, ledger.ErrCorrupt) {
			return nil, err
		}
		log.Printf("warning: %v; starting with empty history", err)
	}

	reg, err := registry.Open(cfg.Paths.RegistryDB)
	if err != nil {
		return nil, fmt.Errorf("open registry: %v", err)
	}
	return &env{cfg: cfg, led: led, reg: reg}, nil
}

func (e *env) Close() {
	if e.reg != nil {
		e.reg.Close()
	}
}

// store builds the configured storage backend.
func (e *env) store(ctx context.Context) (storage.Backend, error) {
	switch e.cfg.Backend {
	case "drive", "":
		return drive.New(ctx, drive.FileCredentials{Path: e.cfg.Drive.TokenFile})
	case "minio":
		return miniostore.New(miniostore.Config{
			Endpoint:  e.cfg.Minio.Endpoint,
			Bucket:    e.cfg.Minio.Bucket,
			AccessKey: e.cfg.Minio.AccessKey,
			SecretKey: e.cfg.Minio.SecretKey,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", e.cfg.Backend)
	}
}

// buildSyncer wires the full pipeline for the sync and setup commands.
func (e *env) buildSyncer(ctx context.Context, quiet bool) (*syncer.Syncer, error) {
	store, err := e.store(ctx)
	if err != nil {
		return nil, err
	}

	// The job backend and the upload pipeline each stage files under their
	// own subtree so a fetched artifact is never truncated by its own copy.
	jobs := backend.NewKaggleCLI(filepath.Join(e.cfg.Paths.StagingDir, "outputs"))
	wait := poller.New(jobs, poller.RealClock(), poller.Config{
		InitialWait:            e.cfg.Polling.InitialWait.Std(),
		CheckInterval:          e.cfg.Polling.CheckInterval.Std(),
		MaxWait:                e.cfg.Polling.MaxWait.Std(),
		MaxConsecutiveFailures: e.cfg.Polling.MaxConsecutiveFailures,
	})
	resolver := storage.NewResolver(store, e.led, 5)
	mover := transfer.New(jobs, store, transfer.Config{
		StagingDir:      filepath.Join(e.cfg.Paths.StagingDir, "upload"),
		ChunkSize:       e.cfg.Upload.ChunkSize,
		MaxChunkRetries: uint64(e.cfg.Upload.MaxChunkRetries),
		Quiet:           quiet,
	})

	return syncer.New(wait, resolver, mover, e.led, e.reg, syncer.Options{
		RootFolder: e.cfg.Drive.RootFolder,
		Filter: transfer.Filter{
			Include: e.cfg.Filters.Include,
			Ignore:  e.cfg.Filters.Ignore,
		},
	}), nil
}

// signalContext cancels on SIGINT/SIGTERM so a long poll exits cleanly.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runSetup(c *cli.Context) error {
	e, err := loadEnv(c)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := signalContext()
	defer cancel()

	s, err := e.buildSyncer(ctx, true)
	if err != nil {
		return err
	}
	paths, err := s.Setup(ctx, e.cfg.Drive.Subfolders)
	if err != nil {
		return fmt.Errorf("setup failed: %v", err)
	}
	for _, p := range paths {
		fmt.Printf("  %s\n", p)
	}
	fmt.Println("Setup complete")
	return nil
}

func runSync(c *cli.Context) error {
	jobID := c.Args().First()
	if jobID == "" {
		return fmt.Errorf("kernel slug is required (owner/kernel-name)")
	}

	e, err := loadEnv(c)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := signalContext()
	defer cancel()

	s, err := e.buildSyncer(ctx, c.Bool("quiet"))
	if err != nil {
		return err
	}

	fmt.Printf("Waiting for %s to finish...\n", jobID)
	rec, err := s.Sync(ctx, jobID)
	if err != nil {
		return err
	}

	fmt.Printf("Outcome: %s\n", rec.Outcome)
	if rec.FolderPath != "" {
		fmt.Printf("Folder:  %s\n", rec.FolderPath)
	}
	var total int64
	for _, f := range rec.Files {
		total += f.Size
		fmt.Printf("  %s (%s)\n", f.LocalName, utils.FormatSize(f.Size))
	}
	if len(rec.Files) > 0 {
		fmt.Printf("Synced %d files, %s\n", len(rec.Files), utils.FormatSize(total))
	}
	if rec.ErrorDetail != "" {
		fmt.Printf("Errors:  %s\n", rec.ErrorDetail)
	}
	if rec.Outcome != models.OutcomeSuccess {
		return cli.Exit("", 1)
	}
	return nil
}

func showStatus(c *cli.Context) error {
	e, err := loadEnv(c)
	if err != nil {
		return err
	}
	defer e.Close()

	stats := e.led.Stats()
	projects, err := e.reg.CountProjects()
	if err != nil {
		return fmt.Errorf("failed to count projects: %v", err)
	}

	fmt.Printf("Storage Backend: %s\n", e.cfg.Backend)
	fmt.Printf("Projects: %d\n", projects)
	fmt.Printf("Cached Folders: %d\n", stats.CachedFolders)
	fmt.Printf("Total Syncs: %d (success: %d, partial: %d, failed: %d)\n",
		stats.TotalSyncs, stats.SuccessSyncs, stats.PartialSyncs, stats.FailedSyncs)
	fmt.Printf("Files Synced: %d (Size: %s)\n", stats.TotalFiles, utils.FormatSize(stats.TotalSize))
	if stats.LastSync != "" {
		fmt.Printf("Last Sync: %s\n", stats.LastSync)
	}
	return nil
}

func listKernels(c *cli.Context) error {
	e, err := loadEnv(c)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := signalContext()
	defer cancel()

	jobs := backend.NewKaggleCLI(filepath.Join(e.cfg.Paths.StagingDir, "outputs"))
	kernels, err := jobs.ListKernels(ctx)
	if err != nil {
		return fmt.Errorf("failed to list kernels: %v", err)
	}
	if len(kernels) == 0 {
		fmt.Println("No kernels found")
		return nil
	}
	for _, k := range kernels {
		fmt.Printf("%-40s %-30s %s\n", k.Ref, k.Title, k.Language)
	}
	return nil
}

func createProject(c *cli.Context) error {
	e, err := loadEnv(c)
	if err != nil {
		return err
	}
	defer e.Close()

	slug := c.String("kernel")
	owner := slug
	if i := strings.IndexByte(slug, '/'); i >= 0 {
		owner = slug[:i]
	}

	project := &models.Project{
		Name:        c.String("name"),
		Owner:       owner,
		KernelSlug:  slug,
		Description: c.String("description"),
	}
	if err := e.reg.CreateProject(project); err != nil {
		return fmt.Errorf("failed to create project: %v", err)
	}

	fmt.Printf("Project '%s' created for kernel %s\n", project.Name, slug)
	return nil
}

func listProjects(c *cli.Context) error {
	e, err := loadEnv(c)
	if err != nil {
		return err
	}
	defer e.Close()

	projects, err := e.reg.ListProjects()
	if err != nil {
		return fmt.Errorf("failed to list projects: %v", err)
	}
	if len(projects) == 0 {
		fmt.Println("No projects registered")
		return nil
	}
	for _, p := range projects {
		fmt.Printf("%-20s %-30s %s\n", p.Name, p.KernelSlug, p.Description)
	}
	return nil
}
