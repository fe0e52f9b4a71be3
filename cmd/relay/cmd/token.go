package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/feedmarket/relay/internal/token"
)

// tokenCmd mints a client bearer token for the authenticate message
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "token generates a new token for authenticating to the relay",
	Long: `Set the operating parameters with environment variables, for example

export RELAYTOKEN_LIFETIME=3600
export RELAYTOKEN_SECRET=somesecret
export RELAYTOKEN_AUDIENCE=https://relay.example.io
export RELAYTOKEN_USER=user-123
export RELAYTOKEN_SCOPES=subscribe,llm
bearer=$(relay token)
`,

	Run: func(cmd *cobra.Command, args []string) {

		viper.SetEnvPrefix("RELAYTOKEN")
		viper.AutomaticEnv()

		viper.SetDefault("scopes", "subscribe")

		lifetime := viper.GetInt64("lifetime")
		audience := viper.GetString("audience")
		secret := viper.GetString("secret")
		user := viper.GetString("user")
		scopes := strings.Split(viper.GetString("scopes"), ",")

		// check inputs

		if lifetime == 0 {
			fmt.Println("RELAYTOKEN_LIFETIME not set")
			os.Exit(1)
		}
		if secret == "" {
			fmt.Println("RELAYTOKEN_SECRET not set")
			os.Exit(1)
		}
		if audience == "" {
			fmt.Println("RELAYTOKEN_AUDIENCE not set")
			os.Exit(1)
		}
		if user == "" {
			fmt.Println("RELAYTOKEN_USER not set")
			os.Exit(1)
		}

		iat := time.Now().Add(-time.Second) //ensure immediately usable
		nbf := iat
		exp := iat.Add(time.Duration(lifetime) * time.Second)

		bearer, err := token.Sign(token.New(audience, user, scopes, iat, nbf, exp), secret)

		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		fmt.Println(bearer)
		os.Exit(0)
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
}
