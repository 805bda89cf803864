package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/fentz26/skatepark/internal/controlplane"
	"github.com/fentz26/skatepark/internal/models"
)

var registerCmd = &cobra.Command{
	Use:   "register [directory]",
	Short: "Register and build a structure",
	Long: `Registers the structure in directory (default: current directory) and
builds its environment. Give --main-file to name the entry file directly,
or --config to read it from a structure config file. With neither,
structure_config.yaml is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRegister,
}

var buildCmd = &cobra.Command{
	Use:   "build [structure-id]",
	Short: "Rebuild a structure's environment",
	Args:  cobra.ExactArgs(1),
	RunE:  runBuild,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered structures",
	RunE:  runList,
}

var removeCmd = &cobra.Command{
	Use:   "remove [structure-id]",
	Short: "Unregister a structure",
	Args:  cobra.ExactArgs(1),
	RunE:  runRemove,
}

var (
	mainFile   string
	structConf string
)

func init() {
	registerCmd.Flags().StringVar(&mainFile, "main-file", "", "Entry file relative to the directory")
	registerCmd.Flags().StringVar(&structConf, "config", "", "Structure config file relative to the directory")
}

func runRegister(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}

	resp, err := apiPostLong("/api/structures", controlplane.RegisterRequest{
		Directory:  abs,
		MainFile:   mainFile,
		ConfigFile: structConf,
	})
	if err != nil {
		return err
	}

	var st models.Structure
	if err := json.Unmarshal(resp, &st); err != nil {
		return err
	}

	fmt.Printf("Registered structure: %s\n", st.ID)
	fmt.Printf("Directory:  %s\n", st.Directory)
	fmt.Printf("Main file:  %s\n", st.MainFile)
	return nil
}

func runBuild(cmd *cobra.Command, args []string) error {
	resp, err := apiPostLong("/api/structures/"+args[0]+"/build", nil)
	if err != nil {
		return err
	}

	var st models.Structure
	if err := json.Unmarshal(resp, &st); err != nil {
		return err
	}
	fmt.Printf("Built structure %s (%d env vars)\n", st.ID, len(st.Env))
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	var body struct {
		Structures []models.Structure `json:"structures"`
	}
	if err := apiGetJSON("/api/structures", &body); err != nil {
		return err
	}

	if len(body.Structures) == 0 {
		fmt.Println("No structures registered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDIRECTORY\tMAIN FILE\tBUILT")
	for _, st := range body.Structures {
		built := "never"
		if st.BuiltAt != nil {
			built = humanize.Time(*st.BuiltAt)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", st.ID, truncate(st.Directory, 50), st.MainFile, built)
	}
	return w.Flush()
}

func runRemove(cmd *cobra.Command, args []string) error {
	if err := apiDelete("/api/structures/" + args[0]); err != nil {
		return err
	}
	fmt.Printf("Removed structure %s\n", args[0])
	return nil
}

// --- Helpers ---

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
