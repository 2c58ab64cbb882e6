package cli

import (
	"callgate/audit"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify <path>",
	Short: "Verify the hash chain of an audit log",
	Long:  "Walks the JSONL audit log and checks that every entry's prev_hash matches\nthe SHA-256 of the previous line.",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditVerify,
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	result := audit.Verify(args[0])
	if !result.Valid {
		return fmt.Errorf("audit log broken at line %d: %s", result.ErrorLine, result.Error)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "OK: %d entries verified, %d rejected requests\n", result.Lines, result.Rejected)
	return nil
}
