package cli

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/scenesync/scenesync/internal/githost"
	"github.com/scenesync/scenesync/internal/upload"
)

var (
	uploadRepo        string
	uploadOwner       string
	uploadCreate      bool
	uploadPrivate     bool
	uploadBranch      string
	uploadBatchSize   int
	uploadConcurrency int
	uploadDelayMs     int
)

var uploadCmd = &cobra.Command{
	Use:   "upload <directory>",
	Short: "Upload a directory of model files to a hosted git repository",
	Args:  cobra.ExactArgs(1),
	RunE:  runUpload,
}

func init() {
	uploadCmd.Flags().StringVar(&uploadRepo, "repo", "", "Target repository name (required)")
	uploadCmd.Flags().StringVar(&uploadOwner, "owner", "", "Repository owner (required)")
	uploadCmd.Flags().BoolVar(&uploadCreate, "create", false, "Create the repository if absent")
	uploadCmd.Flags().BoolVar(&uploadPrivate, "private", false, "Create the repository as private")
	uploadCmd.Flags().StringVar(&uploadBranch, "branch", "", "Target branch (default repository default)")
	uploadCmd.Flags().IntVar(&uploadBatchSize, "batch-size", 10, "Files per batch")
	uploadCmd.Flags().IntVar(&uploadConcurrency, "concurrency", 3, "Concurrent uploads within a batch")
	uploadCmd.Flags().IntVar(&uploadDelayMs, "delay", 1000, "Delay between batches in milliseconds")
	uploadCmd.Flags().String("api-url", githost.DefaultBaseURL, "Hosting API base URL")
	uploadCmd.Flags().String("token", "", "API token (or SCENESYNC_TOKEN)")
	uploadCmd.MarkFlagRequired("repo")
	uploadCmd.MarkFlagRequired("owner")

	viper.BindPFlag("api_url", uploadCmd.Flags().Lookup("api-url"))
	viper.BindPFlag("token", uploadCmd.Flags().Lookup("token"))

	rootCmd.AddCommand(uploadCmd)
}

func runUpload(cmd *cobra.Command, args []string) error {
	files, err := collectFiles(args[0])
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no files found under %s", args[0])
	}

	client := githost.NewClient(viper.GetString("api_url"), viper.GetString("token"), logger)
	uploader := upload.NewUploader(client, logger)

	job := upload.Job{
		Owner:      uploadOwner,
		Repo:       uploadRepo,
		Files:      files,
		CreateRepo: uploadCreate,
		RepoOptions: githost.RepoOptions{
			Private:  uploadPrivate,
			AutoInit: true,
		},
		Branch: uploadBranch,
		Batch: upload.BatchOptions{
			BatchSize:           uploadBatchSize,
			Concurrency:         uploadConcurrency,
			DelayBetweenBatches: time.Duration(uploadDelayMs) * time.Millisecond,
		},
	}

	green := color.New(color.FgHiGreen).SprintFunc()
	red := color.New(color.FgHiRed).SprintFunc()
	yellow := color.New(color.FgHiYellow).SprintFunc()

	result, err := uploader.UploadRepository(cmd.Context(), job, func(evt upload.ProgressEvent) {
		switch evt.Type {
		case upload.EventRepositoryCreating:
			fmt.Printf("creating repository %s/%s...\n", uploadOwner, uploadRepo)
		case upload.EventRepositoryCreated:
			fmt.Printf("%s repository created\n", green("✓"))
		case upload.EventUploadStarting:
			fmt.Printf("uploading %d files\n", evt.Progress.Total)
		case upload.EventFileComplete:
			fmt.Printf("%s %s (%d%%)\n", green("✓"), evt.Path, evt.Progress.Percentage)
		case upload.EventFileError:
			fmt.Printf("%s %s: %s\n", red("✗"), evt.Path, evt.Error)
		case upload.EventRateLimit:
			fmt.Printf("%s rate limited, retrying in %s\n", yellow("⚠"), evt.RetryIn.Round(time.Second))
		}
	})
	if err != nil {
		return err
	}

	fmt.Printf("\n%d/%d files uploaded", result.SuccessCount, result.TotalFiles)
	if result.ErrorCount > 0 {
		fmt.Printf(", %s\n\n", red(fmt.Sprintf("%d failed", result.ErrorCount)))
		table := tablewriter.NewTable(os.Stdout)
		table.Header([]string{"File", "Error"})
		for _, fe := range result.Errors {
			table.Append([]string{fe.Path, fe.Err.Error()})
		}
		table.Render()
		return fmt.Errorf("%d of %d files failed", result.ErrorCount, result.TotalFiles)
	}
	fmt.Println()

	return nil
}

func collectFiles(root string) ([]upload.File, error) {
	var files []upload.File
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, upload.File{Path: filepath.ToSlash(rel), Content: content})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return files, nil
}
