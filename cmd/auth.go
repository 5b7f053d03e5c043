package cmd

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/prepas-mpi/mp2i-discord-bot/mp2i"
	"github.com/spf13/cobra"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Authorize access to the Google Calendar and store the token",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		if cfg.Calendar.CredentialsFile == "" {
			log.Fatal("calendar.credentials_file not set")
		}
		if cfg.Calendar.TokenFile == "" {
			log.Fatal("calendar.token_file not set")
		}

		authURL, err := mp2i.CalendarAuthURL(cfg.Calendar)
		if err != nil {
			log.Fatalf("Error building authorization URL: %v", err)
		}

		fmt.Fprintf(
			out,
			"Go to the following link in your browser, then paste the "+
				"authorization code below:\n%v\n",
			authURL,
		)

		fmt.Fprint(out, "Authorization code: ")
		reader := bufio.NewReader(os.Stdin)
		authCode, readErr := reader.ReadString('\n')
		if readErr != nil {
			log.Fatalf("Error reading authorization code: %v", readErr)
		}
		authCode = strings.TrimSpace(authCode)
		if authCode == "" {
			log.Fatal("No authorization code provided")
		}

		if err = mp2i.ExchangeCalendarToken(ctx, cfg.Calendar, authCode); err != nil {
			log.Fatalf("Error exchanging authorization code: %v", err)
		}

		fmt.Fprintf(out, "Token saved to %s\n", cfg.Calendar.TokenFile)
	},
}

func init() {
	rootCmd.AddCommand(authCmd)
}
