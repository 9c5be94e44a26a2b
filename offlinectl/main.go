package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/bringyour/offline/offline"
	"github.com/bringyour/offline/offline/actions"
	"github.com/bringyour/offline/offline/mockremote"
)

const OfflineCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Offline client control.

Runs one action against the remote, waits for the queue to drain, and prints the store.
With --db, the store and unsent writes persist across runs and are replayed on start.

Usage:
    offlinectl mock [--listen=<listen>]
    offlinectl connect <email> [options]
    offlinectl disconnect [options]
    offlinectl add-delegate <email> <role> <validate_code> [options]
    offlinectl request-validation-code [options]
    offlinectl auto-renew (on | off) [--reason=<reason>] [--note=<note>] [options]
    offlinectl add-new-users (on | off) [options]
    offlinectl open-subscription [options]
    offlinectl open-report <report_id> [options]
    offlinectl replay [options]
    offlinectl claims [options]
    offlinectl -h | --help
    offlinectl --version

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --listen=<listen>          Mock remote listen address [default: 127.0.0.1:8080].
    --config=<config>          YAML config file.
    --api_url=<api_url>        Remote api url.
    --push_url=<push_url>      Remote push websocket url.
    --db=<db>                  Persist the store and unsent writes in this directory.
    --jwt=<jwt>                Auth token. Prompted for when not set here or in the config.
    --wait=<wait>              Max time to wait for the queue to drain [default: 90s].
    --reason=<reason>          Reason for disabling auto renew.
    --note=<note>              Note for disabling auto renew.
    -v                         Verbose logging.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], OfflineCtlVersion)
	if err != nil {
		panic(err)
	}

	initGlog(opts)

	if mock_, _ := opts.Bool("mock"); mock_ {
		mock(opts)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := newEnv(ctx, opts)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	defer env.Close()

	if connect_, _ := opts.Bool("connect"); connect_ {
		email, _ := opts.String("<email>")
		err = env.actions.Connect(ctx, email)
	} else if disconnect_, _ := opts.Bool("disconnect"); disconnect_ {
		err = env.actions.Disconnect(ctx)
	} else if addDelegate_, _ := opts.Bool("add-delegate"); addDelegate_ {
		email, _ := opts.String("<email>")
		role, _ := opts.String("<role>")
		validateCode, _ := opts.String("<validate_code>")
		_, err = env.actions.AddDelegate(email, role, validateCode)
	} else if requestValidationCode_, _ := opts.Bool("request-validation-code"); requestValidationCode_ {
		env.actions.RequestValidationCode()
	} else if autoRenew_, _ := opts.Bool("auto-renew"); autoRenew_ {
		on, _ := opts.Bool("on")
		reason, _ := opts.String("--reason")
		note, _ := opts.String("--note")
		env.actions.UpdateSubscriptionAutoRenew(on, reason, note)
	} else if addNewUsers_, _ := opts.Bool("add-new-users"); addNewUsers_ {
		on, _ := opts.Bool("on")
		env.actions.UpdateSubscriptionAddNewUsersAutomatically(on)
	} else if openSubscription_, _ := opts.Bool("open-subscription"); openSubscription_ {
		env.actions.OpenSubscriptionPage()
	} else if openReport_, _ := opts.Bool("open-report"); openReport_ {
		reportId, _ := opts.String("<report_id>")
		_, err = env.actions.OpenReport(reportId)
	} else if claims_, _ := opts.Bool("claims"); claims_ {
		claims(env)
		return
	}
	// replay has nothing to submit. The restored writes drain below
	if err != nil {
		Err.Printf("%s", err)
	}

	env.drain(ctx, opts)
	env.print()
}

func initGlog(opts docopt.Opts) {
	flag.Set("logtostderr", "true")
	if verbose, _ := opts.Bool("-v"); verbose {
		flag.Set("v", "2")
	} else {
		flag.Set("v", "0")
	}
	flag.CommandLine.Parse([]string{})
}

// runs a mock remote until interrupted, printing a token to use with it
func mock(opts docopt.Opts) {
	listen, _ := opts.String("--listen")

	server := mockremote.NewServerWithDefaults()
	defer server.Close()

	authToken, err := server.SignToken("")
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("api_url: http://%s", listen)
	Out.Printf("push_url: ws://%s/push", listen)
	Out.Printf("jwt: %s", authToken)

	// the mock remote grants delegation to one account
	server.SetResponsePatches(
		actions.CommandOpenApp,
		offline.MergePatch(actions.KeyAccount, map[string]any{
			"delegatedAccess": map[string]any{
				"delegators": []any{
					map[string]any{
						"email": "delegator@example.com",
						"role":  "all",
					},
				},
			},
		}),
	)

	if err := http.ListenAndServe(listen, server); err != nil {
		Err.Fatalf("%s", err)
	}
}

type clientEnv struct {
	config *Config
	db     interface{ Close() error }

	client     *offline.Client
	actions    *actions.Actions
	pushClient *offline.PushClient
}

func newEnv(ctx context.Context, opts docopt.Opts) (*clientEnv, error) {
	configPath, _ := opts.String("--config")
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if apiUrl, _ := opts.String("--api_url"); apiUrl != "" {
		config.ApiUrl = apiUrl
	}
	if pushUrl, _ := opts.String("--push_url"); pushUrl != "" {
		config.PushUrl = pushUrl
	}
	if dbPath, _ := opts.String("--db"); dbPath != "" {
		config.DbPath = dbPath
	}
	if authToken, _ := opts.String("--jwt"); authToken != "" {
		config.AuthToken = authToken
	}
	if config.AuthToken == "" {
		config.AuthToken, err = promptAuthToken()
		if err != nil {
			return nil, err
		}
	}

	e := &clientEnv{
		config: config,
	}

	settings := config.ClientSettings()
	store := offline.NewStore(settings.StoreSettings)
	var requestLog *offline.RequestLogDb
	if config.DbPath != "" {
		db, err := offline.OpenDb(offline.DefaultDbSettings(config.DbPath))
		if err != nil {
			return nil, err
		}
		e.db = db
		storeDb := offline.NewStoreDb(db)
		if err := storeDb.Load(store); err != nil {
			e.Close()
			return nil, err
		}
		storeDb.Attach(store)
		requestLog, err = offline.NewRequestLogDb(db)
		if err != nil {
			e.Close()
			return nil, err
		}
	}

	credential := offline.Credential{
		AuthToken:          config.AuthToken,
		EncryptedAuthToken: config.EncryptedAuthToken,
	}
	// a persisted session from an earlier account switch wins over the configured token
	if session, ok := store.Get(actions.KeySession); ok {
		if m, ok := session.(map[string]any); ok {
			if authToken, _ := m["authToken"].(string); authToken != "" {
				credential.AuthToken = authToken
				credential.EncryptedAuthToken, _ = m["encryptedAuthToken"].(string)
				credential.DelegateEmail, _ = m["delegateEmail"].(string)
			}
		}
	}

	transport := offline.NewHttpTransportWithDefaults(config.ApiUrl)
	if requestLog != nil {
		e.client = offline.NewClient(ctx, transport, credential, store, requestLog, settings)
	} else {
		e.client = offline.NewClient(ctx, transport, credential, store, nil, settings)
	}
	e.client.AddAlertCallback(func(kind string, err error) {
		Err.Printf("alert %s: %s", kind, err)
	})
	e.actions = actions.NewActions(e.client)

	if requestLog != nil {
		entries, err := requestLog.Replay(e.client.Queue())
		if err != nil {
			Err.Printf("could not replay requests: %s", err)
		} else if 0 < len(entries) {
			Out.Printf("replaying %d unsent writes", len(entries))
		}
	}

	if config.PushUrl != "" {
		e.pushClient = offline.NewPushClientWithDefaults(ctx, config.PushUrl, store, e.client.Session())
	}

	return e, nil
}

func promptAuthToken() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no auth token. Set --jwt or auth_token in the config")
	}
	fmt.Fprint(os.Stderr, "jwt: ")
	tokenBytes, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(tokenBytes)), nil
}

func (self *clientEnv) drain(ctx context.Context, opts docopt.Opts) {
	waitStr, _ := opts.String("--wait")
	wait, err := time.ParseDuration(waitStr)
	if err != nil {
		Err.Fatalf("--wait: %s", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := self.client.WaitForIdle(waitCtx); err != nil {
		Err.Printf("queue did not drain (%d outstanding, %d pending, offline=%t): %s",
			self.client.Queue().Outstanding(),
			self.client.Queue().Pending(),
			self.client.Queue().IsOffline(),
			err,
		)
	}
}

func (self *clientEnv) print() {
	snapshot := self.client.Store().Snapshot()
	snapshotBytes, err := json.MarshalIndent(snapshot, "", "    ")
	if err != nil {
		Err.Printf("%s", err)
		return
	}
	Out.Printf("%s", snapshotBytes)
}

func claims(e *clientEnv) {
	claims, err := e.client.Session().Claims()
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("account_id: %s", claims.AccountId)
	Out.Printf("email: %s", claims.Email)
	Out.Printf("delegate_email: %s", claims.DelegateEmail)
	Out.Printf("expires_at: %s", claims.ExpiresAt)
}

func (self *clientEnv) Close() {
	if self.pushClient != nil {
		self.pushClient.Close()
	}
	if self.client != nil {
		self.client.Close()
	}
	if self.db != nil {
		if err := self.db.Close(); err != nil {
			Err.Printf("%s", err)
		}
	}
}
