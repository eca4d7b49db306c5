package main

import (
	"context"
	"fmt"
	"os"

	"github.com/i5heu/hyperobjects"
	"github.com/i5heu/hyperobjects/internal/inspect"
	"github.com/i5heu/hyperobjects/pkg/feed"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	rootCmd = &cobra.Command{
		Use:   "feedinspect",
		Short: "Inspect a persisted hyperobjects feed",
	}

	dumpCmd = &cobra.Command{
		Use:   "dump",
		Short: "Print every block of the feed",
		RunE:  cmdDump,
	}

	verifyCmd = &cobra.Command{
		Use:   "verify",
		Short: "Check the block structure of the feed",
		RunE:  cmdVerify,
	}

	feedConfig hyperobjects.FeedConfig
	verbose    bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&feedConfig.Backend, "backend", "badger", "feed backend: badger or bolt")
	rootCmd.PersistentFlags().StringVar(&feedConfig.Path, "path", "", "path of the feed")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log debug output")
	rootCmd.AddCommand(dumpCmd, verifyCmd)
}

func openFeed() (feed.Closer, error) {
	if feedConfig.Path == "" {
		return nil, fmt.Errorf("--path is required")
	}
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	return hyperobjects.OpenFeed(feedConfig, log)
}

func cmdDump(cmd *cobra.Command, args []string) error {
	f, err := openFeed()
	if err != nil {
		return err
	}
	defer f.Close()
	return inspect.Dump(context.Background(), f, cmd.OutOrStdout())
}

func cmdVerify(cmd *cobra.Command, args []string) error {
	f, err := openFeed()
	if err != nil {
		return err
	}
	defer f.Close()

	r, err := inspect.Verify(context.Background(), f)
	fmt.Fprintf(cmd.OutOrStdout(), "%d blocks: %d markers, %d index nodes, %d data blocks\n",
		r.Blocks, r.Markers, r.Nodes, r.Data)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "ok")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
