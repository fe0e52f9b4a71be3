package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	_ "net/http/pprof" //ok in production https://medium.com/google-cloud/continuous-profiling-of-go-programs-96d4416af77b
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/feedmarket/relay/internal/bridge"
	"github.com/feedmarket/relay/internal/catalog"
	"github.com/feedmarket/relay/internal/feed"
	"github.com/feedmarket/relay/internal/feedctx"
	"github.com/feedmarket/relay/internal/relay"
	"github.com/feedmarket/relay/internal/usage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "relay marketplace data feeds to websocket clients",
	Long: `Serve starts the relay. Set parameters with environment variables,
for example:

export RELAY_AUDIENCE=https://relay.example.io
export RELAY_SECRET=somesecret
export RELAY_PORT=3000
export RELAY_FEEDS=/etc/relay/feeds.json
export RELAY_CONTEXT_SIZE=50
export RELAY_LOG_LEVEL=warn
export RELAY_LOG_FORMAT=json
export RELAY_LOG_FILE=/var/log/relay/relay.log
export RELAY_PROFILE=true
export RELAY_PORT_PROFILE=6061
export RELAY_LLM_PROVIDER=openai
export RELAY_LLM_API_KEY=sk-...
export RELAY_LLM_MODEL=gpt-4o-mini
relay serve

Notes:
RELAY_FEEDS is a json file holding an array of feed configurations
RELAY_SECRET is optional; without it the authenticate message is disabled
RELAY_LLM_PROVIDER can be openai, anthropic or mock; unset disables llm queries
`,
	Run: func(cmd *cobra.Command, args []string) {

		viper.SetEnvPrefix("RELAY")
		viper.AutomaticEnv()

		viper.SetDefault("audience", "")
		viper.SetDefault("context_size", feedctx.DefaultLimit)
		viper.SetDefault("feeds", "")
		viper.SetDefault("llm_api_key", "")
		viper.SetDefault("llm_model", "")
		viper.SetDefault("llm_provider", "")
		viper.SetDefault("llm_url", "")
		viper.SetDefault("log_file", "stdout")
		viper.SetDefault("log_format", "json")
		viper.SetDefault("log_level", "warn")
		viper.SetDefault("port", 3000)
		viper.SetDefault("port_profile", 6061)
		viper.SetDefault("profile", "false")
		viper.SetDefault("secret", "")

		audience := viper.GetString("audience")
		contextSize := viper.GetInt("context_size")
		feedsFile := viper.GetString("feeds")
		llmAPIKey := viper.GetString("llm_api_key")
		llmModel := viper.GetString("llm_model")
		llmProvider := viper.GetString("llm_provider")
		llmURL := viper.GetString("llm_url")
		logFile := viper.GetString("log_file")
		logFormat := viper.GetString("log_format")
		logLevel := viper.GetString("log_level")
		port := viper.GetInt("port")
		portProfile := viper.GetInt("port_profile")
		profile := viper.GetBool("profile")
		secret := viper.GetString("secret")

		// Sanity checks
		if secret != "" && audience == "" {
			fmt.Println("You must set RELAY_AUDIENCE when RELAY_SECRET is set")
			os.Exit(1)
		}

		// set up logging
		switch strings.ToLower(logLevel) {
		case "trace":
			log.SetLevel(log.TraceLevel)
		case "debug":
			log.SetLevel(log.DebugLevel)
		case "info":
			log.SetLevel(log.InfoLevel)
		case "warn":
			log.SetLevel(log.WarnLevel)
		case "error":
			log.SetLevel(log.ErrorLevel)
		case "fatal":
			log.SetLevel(log.FatalLevel)
		case "panic":
			log.SetLevel(log.PanicLevel)
		default:
			fmt.Println("RELAY_LOG_LEVEL can be trace, debug, info, warn, error, fatal or panic but not " + logLevel)
			os.Exit(1)
		}

		switch strings.ToLower(logFormat) {
		case "json":
			log.SetFormatter(&log.JSONFormatter{})
		case "text":
			log.SetFormatter(&log.TextFormatter{})
		default:
			fmt.Println("RELAY_LOG_FORMAT can be json or text but not " + logFormat)
			os.Exit(1)
		}

		if strings.ToLower(logFile) == "stdout" {

			log.SetOutput(os.Stdout)

		} else {

			file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
			if err == nil {
				log.SetOutput(file)
			} else {
				log.Infof("Failed to log to %s, logging to default stderr", logFile)
			}
		}

		// Report useful info
		log.Infof("relay version: %s", versionString())
		log.Infof("Audience: [%s]", audience)
		log.Infof("Context size: [%d]", contextSize)
		log.Infof("Feeds file: [%s]", feedsFile)
		log.Infof("LLM provider: [%s]", llmProvider)
		log.Infof("Log file: [%s]", logFile)
		log.Infof("Log format: [%s]", logFormat)
		log.Infof("Log level: [%s]", logLevel)
		log.Infof("Port: [%d]", port)
		log.Infof("Port for profile: [%d]", portProfile)
		log.Infof("Profiling is on: [%t]", profile)
		if len(secret) >= 8 {
			log.Debugf("Secret: [%s...%s]", secret[:4], secret[len(secret)-4:])
		}

		feeds := catalog.NewStore()
		if feedsFile != "" {
			configs, err := loadFeeds(feedsFile)
			if err != nil {
				fmt.Printf("cannot load RELAY_FEEDS=%s: %s\n", feedsFile, err.Error())
				os.Exit(1)
			}
			for _, cfg := range configs {
				feeds.Add(cfg)
			}
			log.Infof("Feeds loaded: [%d]", len(configs))
		}

		contexts := feedctx.NewStore(contextSize)

		config := relay.NewDefaultConfig().
			WithListen(port).
			WithAudience(audience).
			WithSecret(secret).
			WithFeeds(feeds).
			WithContexts(contexts)

		if llmProvider != "" {
			provider, err := newProvider(llmProvider, llmAPIKey, llmModel, llmURL)
			if err != nil {
				fmt.Println(err)
				os.Exit(1)
			}
			b := bridge.New(provider).
				WithContextSource(contexts).
				WithRecorder(usage.NewMemoryRecorder())
			config = config.WithBridge(b)
		}

		// Optionally start the profiling server
		if profile {
			go func() {
				url := "localhost:" + strconv.Itoa(portProfile)
				err := http.ListenAndServe(url, nil)
				if err != nil {
					log.Errorf(err.Error())
				}
			}()
		}

		var wg sync.WaitGroup

		closed := make(chan struct{})

		c := make(chan os.Signal, 1)

		signal.Notify(c, os.Interrupt)

		go func() {
			for range c {
				close(closed)
				wg.Wait()
				os.Exit(0)
			}
		}()

		wg.Add(1)

		r := relay.New(*config)

		go r.Run(closed, &wg)

		wg.Wait()
	},
}

// loadFeeds reads an array of feed configurations from a json file
func loadFeeds(path string) ([]feed.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var configs []feed.Config
	if err := json.Unmarshal(data, &configs); err != nil {
		return nil, err
	}
	return configs, nil
}

// newProvider maps the configured provider name to an implementation
func newProvider(name, apiKey, model, url string) (bridge.Provider, error) {
	switch strings.ToLower(name) {
	case "mock":
		return &bridge.MockProvider{}, nil
	case "openai":
		if apiKey == "" {
			return nil, fmt.Errorf("RELAY_LLM_API_KEY not set")
		}
		return bridge.NewOpenAIProvider(apiKey, url, model), nil
	case "anthropic":
		if apiKey == "" {
			return nil, fmt.Errorf("RELAY_LLM_API_KEY not set")
		}
		return &bridge.AnthropicProvider{APIKey: apiKey, Model: model, URL: url}, nil
	default:
		return nil, fmt.Errorf("RELAY_LLM_PROVIDER can be openai, anthropic or mock but not %s", name)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
