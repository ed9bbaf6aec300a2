// Command gophcal is a CLI client for the gophcal calendar service.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
	_ "time/tzdata"

	"github.com/urfave/cli/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	grpcinsecure "google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/gophcal/internal/api"
	"github.com/and161185/gophcal/internal/convert"
)

// ---- config/token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	OwnerID     string    `json:"owner_id"`
	TimeZone    string    `json:"time_zone"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "gophcal")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "gophcal")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func saveToken(tf tokenFile) error {
	_ = os.MkdirAll(cfgDir(), 0o700)
	f, err := os.OpenFile(tokenPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tf)
}

func loadToken() (tokenFile, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return tokenFile{}, err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return tokenFile{}, err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return tokenFile{}, errors.New("no valid token (login required)")
	}
	return tf, nil
}

// ---- grpc dial ----

type bearerCreds struct {
	token  string
	secure bool
}

func (b bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}
func (b bearerCreds) RequireTransportSecurity() bool { return b.secure }

func loadTLS(caPath string, insecure bool) (credentials.TransportCredentials, error) {
	if insecure {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

type conn struct {
	cc  *grpc.ClientConn
	cli *api.Client
}

func (c *conn) Close() error { return c.cc.Close() }

// dial connects using the global flags. bearer may be empty for public methods.
func dial(c *cli.Context, bearer string) (*conn, error) {
	opts := []grpc.DialOption{}
	if c.Bool("plaintext") {
		opts = append(opts, grpc.WithTransportCredentials(grpcinsecure.NewCredentials()))
	} else {
		creds, err := loadTLS(c.String("cacert"), c.Bool("insecure"))
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.WithTransportCredentials(creds))
	}
	if bearer != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(bearerCreds{token: bearer, secure: !c.Bool("plaintext")}))
	}
	cc, err := grpc.NewClient(c.String("addr"), opts...)
	if err != nil {
		return nil, err
	}
	return &conn{cc: cc, cli: api.NewClient(cc)}, nil
}

// call runs one authenticated RPC with the saved token.
func call(c *cli.Context, method string, req *structpb.Struct) (*structpb.Struct, tokenFile, error) {
	tf, err := loadToken()
	if err != nil {
		return nil, tf, err
	}
	cn, err := dial(c, tf.AccessToken)
	if err != nil {
		return nil, tf, err
	}
	defer cn.Close()
	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()
	out, err := cn.cli.Call(ctx, method, req)
	return out, tf, err
}

// ---- utils ----

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

func newApp() *cli.App {
	return &cli.App{
		Name:    "gophcal",
		Usage:   "Manage single and recurring events on a gophcal server.",
		Version: fmt.Sprintf("%s (%s)", version, buildDate),
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: "localhost:8443", Usage: "server addr", EnvVars: []string{"GOPHCAL_ADDR"}},
			&cli.StringFlag{Name: "cacert", Usage: "CA cert (PEM)"},
			&cli.BoolFlag{Name: "insecure", Usage: "skip cert verify (dev)"},
			&cli.BoolFlag{Name: "plaintext", Usage: "no TLS at all (server started with --insecure)"},
			&cli.DurationFlag{Name: "timeout", Value: 30 * time.Second, Usage: "per-call timeout"},
		},
		Commands: []*cli.Command{
			registerCommand(),
			loginCommand(),
			listCommand(),
			getCommand(),
			createCommand(),
			updateCommand(),
			deleteCommand(),
			exportCommand(),
		},
	}
}

// main dispatches subcommands and reports RPC errors.
func main() {
	if err := newApp().Run(os.Args); err != nil {
		fail(err)
	}
}

func registerCommand() *cli.Command {
	return &cli.Command{
		Name:  "register",
		Usage: "Create an account.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "username", Aliases: []string{"u"}, Required: true},
			&cli.StringFlag{Name: "password", Aliases: []string{"p"}, Required: true},
			&cli.StringFlag{Name: "zone", Usage: "IANA zone for events that name none"},
		},
		Action: func(c *cli.Context) error {
			cn, err := dial(c, "")
			if err != nil {
				return err
			}
			defer cn.Close()
			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()
			out, err := cn.cli.Call(ctx, api.MethodRegister, &structpb.Struct{Fields: map[string]*structpb.Value{
				"username":  structpb.NewStringValue(c.String("username")),
				"password":  structpb.NewStringValue(c.String("password")),
				"time_zone": structpb.NewStringValue(c.String("zone")),
			}})
			if err != nil {
				return err
			}
			fmt.Println(out.GetFields()["owner_id"].GetStringValue())
			return nil
		},
	}
}

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "Log in and save the access token.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "username", Aliases: []string{"u"}, Required: true},
			&cli.StringFlag{Name: "password", Aliases: []string{"p"}, Required: true},
		},
		Action: func(c *cli.Context) error {
			cn, err := dial(c, "")
			if err != nil {
				return err
			}
			defer cn.Close()
			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()
			out, err := cn.cli.Call(ctx, api.MethodLogin, &structpb.Struct{Fields: map[string]*structpb.Value{
				"username": structpb.NewStringValue(c.String("username")),
				"password": structpb.NewStringValue(c.String("password")),
			}})
			if err != nil {
				return err
			}
			tf, err := tokenFromLogin(out)
			if err != nil {
				return err
			}
			if err := saveToken(tf); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func windowFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "from", Usage: "window start (RFC3339, 2006-01-02T15:04 or 2006-01-02); default today"},
		&cli.StringFlag{Name: "to", Usage: "window end; default from + 7 days"},
		&cli.StringFlag{Name: "title", Usage: "case-insensitive title filter"},
		&cli.StringFlag{Name: "series", Usage: "only this series id"},
		&cli.BoolFlag{Name: "no-exceptions", Usage: "hide detached occurrences"},
	}
}

func windowFromFlags(c *cli.Context, tf tokenFile) (*structpb.Struct, error) {
	return windowRequest(windowOpts{
		From:         c.String("from"),
		To:           c.String("to"),
		Title:        c.String("title"),
		Series:       c.String("series"),
		NoExceptions: c.Bool("no-exceptions"),
	}, zoneOrLocal(tf.TimeZone), time.Now())
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List occurrences in a window.",
		Flags: windowFlags(),
		Action: func(c *cli.Context) error {
			tf, err := loadToken()
			if err != nil {
				return err
			}
			req, err := windowFromFlags(c, tf)
			if err != nil {
				return err
			}
			out, _, err := call(c, api.MethodListOccurrences, req)
			if err != nil {
				return err
			}
			occs, err := convert.FromStructOccurrences(out)
			if err != nil {
				return err
			}
			printJSON(occurrenceRows(occs, zoneOrLocal(tf.TimeZone)))
			return nil
		},
	}
}

func getCommand() *cli.Command {
	return &cli.Command{
		Name:  "get",
		Usage: "Show an event or one occurrence of a series.",
		Flags: []cli.Flag{&cli.StringFlag{Name: "id", Required: true, Usage: "event id or occurrence id"}},
		Action: func(c *cli.Context) error {
			out, _, err := call(c, api.MethodGetEvent, &structpb.Struct{Fields: map[string]*structpb.Value{
				"id": structpb.NewStringValue(c.String("id")),
			}})
			if err != nil {
				return err
			}
			e, err := convert.FromStructEvent(out.GetFields()["event"].GetStructValue())
			if err != nil {
				return err
			}
			res := map[string]any{"event": eventView(e)}
			if o := out.GetFields()["occurrence"].GetStructValue(); o != nil {
				occ, err := convert.FromStructOccurrence(o)
				if err != nil {
					return err
				}
				res["occurrence"] = occurrenceRows(convertOne(occ), zoneOrLocal(e.TimeZone))[0]
			}
			printJSON(res)
			return nil
		},
	}
}

func eventFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "title"},
		&cli.StringFlag{Name: "description"},
		&cli.StringFlag{Name: "location"},
		&cli.StringFlag{Name: "start", Usage: "RFC3339, 2006-01-02T15:04 or 2006-01-02 (read in --zone)"},
		&cli.StringFlag{Name: "end"},
		&cli.BoolFlag{Name: "all-day"},
		&cli.StringFlag{Name: "zone", Usage: "IANA zone; default the account zone"},
		&cli.StringFlag{Name: "rrule", Usage: "e.g. FREQ=WEEKLY;BYDAY=MO,WE,FR"},
		&cli.StringFlag{Name: "recurrence-end"},
	}
}

func createCommand() *cli.Command {
	return &cli.Command{
		Name:  "create",
		Usage: "Create a single or recurring event.",
		Flags: eventFlags(),
		Action: func(c *cli.Context) error {
			tf, err := loadToken()
			if err != nil {
				return err
			}
			req, err := createRequest(eventOptsFromFlags(c), tf.TimeZone)
			if err != nil {
				return err
			}
			out, _, err := call(c, api.MethodCreateEvent, req)
			if err != nil {
				return err
			}
			return printEvent(out)
		},
	}
}

func updateCommand() *cli.Command {
	flags := append(eventFlags(),
		&cli.StringFlag{Name: "id", Required: true, Usage: "event id or occurrence id"},
		&cli.StringFlag{Name: "scope", Value: "THIS_ONLY", Usage: "THIS_ONLY or ALL_FUTURE"},
		&cli.BoolFlag{Name: "clear-rrule", Usage: "turn the series into a single event"},
	)
	return &cli.Command{
		Name:  "update",
		Usage: "Change an event, one occurrence, or a whole series.",
		Flags: flags,
		Action: func(c *cli.Context) error {
			tf, err := loadToken()
			if err != nil {
				return err
			}
			o := eventOptsFromFlags(c)
			o.ClearRule = c.Bool("clear-rrule")
			req, err := updateRequest(c.String("id"), c.String("scope"), o, tf.TimeZone)
			if err != nil {
				return err
			}
			out, _, err := call(c, api.MethodUpdateEvent, req)
			if err != nil {
				return err
			}
			return printEvent(out)
		},
	}
}

func deleteCommand() *cli.Command {
	return &cli.Command{
		Name:  "delete",
		Usage: "Delete one occurrence or a whole series.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "id", Required: true},
			&cli.StringFlag{Name: "scope", Value: "THIS_ONLY", Usage: "THIS_ONLY or ALL_FUTURE"},
		},
		Action: func(c *cli.Context) error {
			out, _, err := call(c, api.MethodDeleteEvent, &structpb.Struct{Fields: map[string]*structpb.Value{
				"id":    structpb.NewStringValue(c.String("id")),
				"scope": structpb.NewStringValue(c.String("scope")),
			}})
			if err != nil {
				return err
			}
			printJSON(out.AsMap())
			return nil
		},
	}
}

func exportCommand() *cli.Command {
	flags := append(windowFlags(), &cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "file to write; default stdout"})
	return &cli.Command{
		Name:  "export",
		Usage: "Export occurrences in a window as iCalendar.",
		Flags: flags,
		Action: func(c *cli.Context) error {
			tf, err := loadToken()
			if err != nil {
				return err
			}
			req, err := windowFromFlags(c, tf)
			if err != nil {
				return err
			}
			out, _, err := call(c, api.MethodExportICS, req)
			if err != nil {
				return err
			}
			body := out.GetFields()["ics"].GetStringValue()
			if p := c.String("out"); p != "" {
				return os.WriteFile(p, []byte(body), 0o600)
			}
			_, err = fmt.Fprint(os.Stdout, body)
			return err
		},
	}
}

func eventOptsFromFlags(c *cli.Context) eventOpts {
	o := eventOpts{
		Start:         c.String("start"),
		End:           c.String("end"),
		Zone:          c.String("zone"),
		Rule:          c.String("rrule"),
		RecurrenceEnd: c.String("recurrence-end"),
	}
	if c.IsSet("title") {
		o.Title = ptr(c.String("title"))
	}
	if c.IsSet("description") {
		o.Description = ptr(c.String("description"))
	}
	if c.IsSet("location") {
		o.Location = ptr(c.String("location"))
	}
	if c.IsSet("all-day") {
		o.AllDay = ptr(c.Bool("all-day"))
	}
	return o
}

func printEvent(out *structpb.Struct) error {
	e, err := convert.FromStructEvent(out)
	if err != nil {
		return err
	}
	printJSON(eventView(e))
	return nil
}

// ---- helpers ----

func fail(err error) {
	if s, ok := status.FromError(err); ok {
		fmt.Fprintf(os.Stderr, "rpc error: code=%s msg=%s\n", s.Code(), s.Message())
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
