package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/credential"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/models"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/repository"
)

var (
	credAddToken string
	credAddGroup string
	credAddKind  string
	credAddLimit int
)

var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Credential pool management commands",
}

var credentialAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a credential to the pool",
	Args:  cobra.ExactArgs(1),
	RunE:  runCredentialAdd,
}

var credentialListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all credentials",
	RunE:  runCredentialList,
}

var credentialDisableCmd = &cobra.Command{
	Use:   "disable <credential_id>",
	Short: "Remove a credential from rotation",
	Args:  cobra.ExactArgs(1),
	RunE:  runCredentialDisable,
}

func init() {
	credentialAddCmd.Flags().StringVar(&credAddToken, "token", "", "Access token (or set LAUNCHER_CREDENTIAL_TOKEN)")
	credentialAddCmd.Flags().StringVar(&credAddGroup, "group", "default", "Account group the credential serves")
	credentialAddCmd.Flags().StringVar(&credAddKind, "kind", "default", "Credential kind (default, backup, system_user)")
	credentialAddCmd.Flags().IntVar(&credAddLimit, "limit", 0, "Calls per window (0 = server default)")

	credentialCmd.AddCommand(credentialAddCmd, credentialListCmd, credentialDisableCmd)
	rootCmd.AddCommand(credentialCmd)
}

func runCredentialAdd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	token := credAddToken
	if token == "" {
		token = os.Getenv("LAUNCHER_CREDENTIAL_TOKEN")
	}
	if token == "" {
		return fmt.Errorf("token is required (use --token or LAUNCHER_CREDENTIAL_TOKEN)")
	}

	cipher, err := credential.NewCipher(cfg.Credentials.EncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}
	sealed, err := cipher.Seal(token)
	if err != nil {
		return fmt.Errorf("failed to seal token: %w", err)
	}

	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()
	if err := database.Migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	limit := credAddLimit
	if limit == 0 {
		limit = cfg.Quota.CallsLimit
	}

	cred := &models.Credential{
		Name:         args[0],
		AccountGroup: credAddGroup,
		TokenSealed:  sealed,
		Kind:         models.CredentialKind(credAddKind),
		CallsLimit:   limit,
		Active:       true,
	}

	credentials := repository.NewCredentialRepository(database.DB)
	if err := credentials.Create(context.Background(), cred); err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}

	fmt.Printf("Credential added: %s (%s)\n", cred.ID, cred.Name)
	return nil
}

func runCredentialList(cmd *cobra.Command, args []string) error {
	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	credentials := repository.NewCredentialRepository(database.DB)
	rows, err := credentials.ListAll(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list credentials: %w", err)
	}

	if len(rows) == 0 {
		fmt.Println("No credentials configured")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tGROUP\tKIND\tUSAGE\tRESETS\tACTIVE")
	fmt.Fprintln(w, "--\t----\t-----\t----\t-----\t------\t------")

	for _, cred := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%t\n",
			truncateID(cred.ID),
			cred.Name,
			cred.AccountGroup,
			cred.Kind,
			cred.CallsUsed,
			cred.CallsLimit,
			cred.WindowResetAt.Format("15:04:05"),
			cred.Active,
		)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d credentials\n", len(rows))

	return nil
}

func runCredentialDisable(cmd *cobra.Command, args []string) error {
	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	credentials := repository.NewCredentialRepository(database.DB)
	if err := credentials.SetActive(context.Background(), args[0], false); err != nil {
		return fmt.Errorf("failed to disable credential: %w", err)
	}

	fmt.Printf("Credential disabled: %s\n", args[0])
	return nil
}
