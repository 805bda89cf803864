package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/fentz26/skatepark/internal/controlplane"
	"github.com/fentz26/skatepark/internal/models"
)

// envStructureID names the structure `run` uses when no id is given.
const envStructureID = "GT_STRUCTURE_ID"

var runCmd = &cobra.Command{
	Use:   "run [structure-id] [-- args...]",
	Short: "Run a structure and wait for it to finish",
	Long: `Creates a run of the structure and polls it until it reaches a terminal
status, then prints its output (or its captured logs). The structure id
defaults to $GT_STRUCTURE_ID.`,
	RunE: runRun,
}

var runsCmd = &cobra.Command{
	Use:   "runs [structure-id]",
	Short: "List runs, optionally of one structure",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRuns,
}

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show run details, or daemon health with no run id",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

var logsCmd = &cobra.Command{
	Use:   "logs [run-id]",
	Short: "Show a run's captured output",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogs,
}

var eventsCmd = &cobra.Command{
	Use:   "events [run-id]",
	Short: "Show a run's events",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvents,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [run-id]",
	Short: "Cancel a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var patchCmd = &cobra.Command{
	Use:   "patch [run-id]",
	Short: "Set a run's status or output",
	Args:  cobra.ExactArgs(1),
	RunE:  runPatch,
}

var (
	runEnv       map[string]string
	runNoWait    bool
	pollInterval time.Duration
	runTimeout   time.Duration
	patchStatus  string
	patchOutput  string
)

func init() {
	runCmd.Flags().StringToStringVarP(&runEnv, "env", "e", nil, "Environment overrides (KEY=VALUE, repeatable)")
	runCmd.Flags().BoolVar(&runNoWait, "no-wait", false, "Print the run id and return immediately")
	runCmd.Flags().DurationVar(&pollInterval, "poll", 500*time.Millisecond, "Status poll interval")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Give up waiting after this long (0 waits forever)")

	patchCmd.Flags().StringVar(&patchStatus, "status", "", "New status (RUNNING, SUCCEEDED, FAILED, CANCELLED)")
	patchCmd.Flags().StringVar(&patchOutput, "output", "", "New output as JSON")
}

func runRun(cmd *cobra.Command, args []string) error {
	structureID := os.Getenv(envStructureID)
	runArgs := args
	if dash := cmd.ArgsLenAtDash(); dash != 0 && len(args) > 0 {
		structureID = args[0]
		runArgs = args[1:]
	}
	if structureID == "" {
		return fmt.Errorf("structure id required (argument or $%s)", envStructureID)
	}

	resp, err := apiPostLong("/api/structures/"+structureID+"/runs", controlplane.CreateRunRequest{
		Args: runArgs,
		Env:  runEnv,
	})
	if err != nil {
		return err
	}
	var run models.Run
	if err := json.Unmarshal(resp, &run); err != nil {
		return err
	}

	if runNoWait {
		fmt.Println(run.ID)
		return nil
	}
	fmt.Fprintf(os.Stderr, "Started run %s (pid %d)\n", run.ID, run.PID)

	var deadline time.Time
	if runTimeout > 0 {
		deadline = time.Now().Add(runTimeout)
	}
	for !run.Status.IsTerminal() {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return fmt.Errorf("run %s still %s after %s", run.ID, run.Status, runTimeout)
		}
		time.Sleep(pollInterval)
		if err := apiGetJSON("/api/runs/"+run.ID, &run); err != nil {
			return err
		}
	}

	if run.Output != nil {
		out, err := json.MarshalIndent(run.Output, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	} else if err := printLogs(run.ID); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Run %s %s\n", truncateID(run.ID), run.Status)
	if run.Status != models.RunStatusSucceeded {
		return fmt.Errorf("run %s", strings.ToLower(string(run.Status)))
	}
	return nil
}

func runRuns(cmd *cobra.Command, args []string) error {
	path := "/api/runs"
	if len(args) == 1 {
		path = "/api/structures/" + args[0] + "/runs"
	}
	var body struct {
		Runs []models.Run `json:"structure_runs"`
	}
	if err := apiGetJSON(path, &body); err != nil {
		return err
	}

	if len(body.Runs) == 0 {
		fmt.Println("No runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTRUCTURE\tSTATUS\tEXIT\tCREATED")
	for _, r := range body.Runs {
		exit := "-"
		if r.ExitCode != nil {
			exit = fmt.Sprintf("%d", *r.ExitCode)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, truncateID(r.StructureID), r.Status, exit, humanize.Time(r.CreatedAt))
	}
	return w.Flush()
}

func runStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		health, err := CheckHealth()
		if health != nil {
			fmt.Printf("Daemon:  %s\n", apiAddr)
			fmt.Printf("OK:      %t\n", health.OK)
			fmt.Printf("Audit:   %s\n", health.Audit)
			fmt.Printf("Version: %s\n", health.Version)
		}
		return err
	}

	var run models.Run
	if err := apiGetJSON("/api/runs/"+args[0], &run); err != nil {
		return err
	}

	fmt.Printf("ID:         %s\n", run.ID)
	fmt.Printf("Structure:  %s\n", run.StructureID)
	fmt.Printf("Status:     %s\n", run.Status)
	fmt.Printf("PID:        %d\n", run.PID)
	if run.ExitCode != nil {
		fmt.Printf("Exit Code:  %d\n", *run.ExitCode)
	}
	if len(run.Args) > 0 {
		fmt.Printf("Args:       %s\n", strings.Join(run.Args, " "))
	}
	fmt.Printf("Created:    %s (%s)\n", run.CreatedAt.Format(time.RFC3339), humanize.Time(run.CreatedAt))
	if run.StartedAt != nil {
		fmt.Printf("Started:    %s\n", run.StartedAt.Format(time.RFC3339))
	}
	if run.CompletedAt != nil {
		fmt.Printf("Completed:  %s\n", run.CompletedAt.Format(time.RFC3339))
	}
	if run.Error != "" {
		fmt.Printf("Error:      %s\n", run.Error)
	}
	if run.Output != nil {
		out, _ := json.Marshal(run.Output)
		fmt.Printf("Output:     %s\n", truncate(string(out), 200))
	}
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	return printLogs(args[0])
}

func printLogs(runID string) error {
	var body struct {
		Logs []models.Log `json:"logs"`
	}
	if err := apiGetJSON("/api/runs/"+runID+"/logs", &body); err != nil {
		return err
	}
	for _, l := range body.Logs {
		out := os.Stdout
		if l.Stream == models.LogStreamStderr {
			out = os.Stderr
		}
		fmt.Fprint(out, l.Message)
	}
	return nil
}

func runEvents(cmd *cobra.Command, args []string) error {
	var body struct {
		Events []models.Event `json:"events"`
	}
	if err := apiGetJSON("/api/runs/"+args[0]+"/events", &body); err != nil {
		return err
	}

	if len(body.Events) == 0 {
		fmt.Println("No events")
		return nil
	}
	for _, e := range body.Events {
		value, err := json.Marshal(e.Value)
		if err != nil {
			return err
		}
		fmt.Printf("%s  %s\n", truncateID(e.ID), value)
	}
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/api/runs/"+args[0]+"/cancel", nil)
	if err != nil {
		return err
	}
	var run models.Run
	if err := json.Unmarshal(resp, &run); err != nil {
		return err
	}
	fmt.Printf("Run %s %s\n", run.ID, run.Status)
	return nil
}

func runPatch(cmd *cobra.Command, args []string) error {
	patch := map[string]interface{}{}
	if patchStatus != "" {
		patch["status"] = strings.ToUpper(patchStatus)
	}
	if cmd.Flags().Changed("output") {
		var output interface{}
		if err := json.Unmarshal([]byte(patchOutput), &output); err != nil {
			return fmt.Errorf("--output must be JSON: %w", err)
		}
		patch["output"] = output
	}
	if len(patch) == 0 {
		return fmt.Errorf("nothing to patch: give --status or --output")
	}

	resp, err := apiPatch("/api/runs/"+args[0], patch)
	if err != nil {
		return err
	}
	var run models.Run
	if err := json.Unmarshal(resp, &run); err != nil {
		return err
	}
	fmt.Printf("Run %s %s\n", run.ID, run.Status)
	return nil
}
