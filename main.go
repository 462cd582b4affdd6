package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/StatsLateral/bonsaiway/client"
	"github.com/StatsLateral/bonsaiway/collection"
	"github.com/StatsLateral/bonsaiway/config"
	"github.com/StatsLateral/bonsaiway/core"
	"github.com/StatsLateral/bonsaiway/insight"
	"github.com/StatsLateral/bonsaiway/mutation"
	"github.com/StatsLateral/bonsaiway/session"
	"github.com/StatsLateral/bonsaiway/stores"
	"github.com/StatsLateral/bonsaiway/upload"
	"github.com/sirupsen/logrus"
)

const help = `commands:
  login <email> <password>     sign in
  signup <email> <password>    create an account and sign in
  logout                       sign out
  whoami                       show the signed-in account
  list                         show the loaded bonsais
  more                         reveal the last bonsai and load the next page
  reload                       reload from page 1
  show <id>                    open one bonsai; later edits to it update this view
  create <title>               create a bonsai
  upload <path> [title]        create a bonsai from a photo
  rename <id> <title>          change the title
  describe <id> [text]         change or clear the description
  delete <id>                  delete a bonsai
  add <id> <path>              add a photo
  rmimg <id> <image-id>        delete a photo
  ask <id> <question>          ask for care advice
  insights <id>                list insights
  rmins <id> <insight-id>      delete an insight
  suggest                      show suggested questions
  quit`

type shell struct {
	in  *bufio.Scanner
	out io.Writer

	session  *session.Session
	client   *client.Client
	trigger  *collection.ManualTrigger
	pager    *collection.Pager
	mutator  *mutation.Coordinator
	uploader *upload.Machine[*core.Bonsai]
	flows    map[string]*insight.Flow

	// the bonsai opened with show, and the coordinator that keeps it and the
	// list in step
	detail        *collection.Detail
	detailMutator *mutation.Coordinator
}

func (s *shell) confirm(_ context.Context, prompt string) bool {
	fmt.Fprintf(s.out, "%s [y/N] ", prompt)
	if !s.in.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(s.in.Text()))
	return answer == "y" || answer == "yes"
}

func (s *shell) flow(id string) *insight.Flow {
	f, ok := s.flows[id]
	if !ok {
		f = insight.New(s.client, id, insight.WithConfirm(s.confirm))
		s.flows[id] = f
	}
	return f
}

// open replaces the shown bonsai with id.
func (s *shell) open(ctx context.Context, id string) (*core.Bonsai, error) {
	d := collection.NewDetail(s.client, id)
	if err := d.Load(ctx); err != nil {
		d.Close()
		return nil, err
	}
	s.closeDetail()
	s.detail = d
	s.detailMutator = mutation.New(s.client,
		mutation.WithSinks(d, s.pager.View()),
		mutation.WithReloader(s.pager),
		mutation.WithConfirm(s.confirm),
	)
	b, _ := d.Bonsai()
	return &b, nil
}

func (s *shell) closeDetail() {
	if s.detail == nil {
		return
	}
	s.detailMutator.Close()
	s.detail.Close()
	s.detail, s.detailMutator = nil, nil
}

// mutatorFor returns the coordinator that also updates the shown bonsai when
// id is the one open.
func (s *shell) mutatorFor(id string) *mutation.Coordinator {
	if s.detail != nil && s.detail.ID() == id {
		return s.detailMutator
	}
	return s.mutator
}

// current returns the latest known state of id: the shown bonsai, the list
// copy, or a fresh fetch.
func (s *shell) current(ctx context.Context, id string) (core.Bonsai, error) {
	if s.detail != nil && s.detail.ID() == id {
		if b, ok := s.detail.Bonsai(); ok {
			return b, nil
		}
	}
	if b, ok := s.pager.View().Lookup(id); ok {
		return b, nil
	}
	b, err := s.client.GetBonsai(ctx, id)
	if err != nil {
		return core.Bonsai{}, err
	}
	return *b, nil
}

// edit updates id, keeping whatever field change does not touch.
func (s *shell) edit(ctx context.Context, id string, change func(in *core.BonsaiInput)) error {
	b, err := s.current(ctx, id)
	if err != nil {
		return err
	}
	in := core.BonsaiInput{Title: b.Title, Description: b.Description}
	change(&in)
	updated, err := s.mutatorFor(id).Update(ctx, id, in)
	if err != nil {
		return err
	}
	s.printBonsai(updated)
	return nil
}

func (s *shell) printList() {
	snap := s.pager.View().Snapshot()
	for _, b := range snap.Items {
		fmt.Fprintf(s.out, "%s  %-30s %d photo(s)\n", b.ID, b.Title, len(b.Images))
	}
	more := ""
	if snap.More {
		more = ", more available"
	}
	fmt.Fprintf(s.out, "%d of %d shown (page %d%s)\n", len(snap.Items), snap.Total, snap.Page, more)
}

func (s *shell) printBonsai(b *core.Bonsai) {
	fmt.Fprintf(s.out, "%s  %s\n", b.ID, b.Title)
	if b.Description != "" {
		fmt.Fprintf(s.out, "  %s\n", b.Description)
	}
	for _, img := range b.Images {
		fmt.Fprintf(s.out, "  photo %s  %s\n", img.ID, img.URL)
	}
}

func (s *shell) printInsights(list []core.Insight) {
	if len(list) == 0 {
		fmt.Fprintln(s.out, "no insights yet")
	}
	for _, in := range list {
		answer := in.AIResponse
		if in.Pending() {
			answer = "(generating...)"
		}
		fmt.Fprintf(s.out, "%s  Q: %s\n    A: %s\n", in.ID, in.UserQuestion, answer)
	}
}

func (s *shell) run(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	cmd, args := fields[0], fields[1:]
	rest := func(from int) string {
		if len(args) <= from {
			return ""
		}
		return strings.Join(args[from:], " ")
	}
	need := func(n int) error {
		if len(args) < n {
			return fmt.Errorf("%s needs %d argument(s), see help", cmd, n)
		}
		return nil
	}

	switch cmd {
	case "quit", "exit":
		return true, nil
	case "help":
		fmt.Fprintln(s.out, help)
	case "login", "signup":
		if err := need(2); err != nil {
			return false, err
		}
		signIn := s.session.SignIn
		if cmd == "signup" {
			signIn = s.session.SignUp
		}
		user, err := signIn(ctx, args[0], args[1])
		if err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "signed in as %s\n", user.Email)
	case "logout":
		return false, s.session.SignOut(ctx)
	case "whoami":
		if u := s.session.CurrentUser(); u != nil {
			fmt.Fprintf(s.out, "%s (%s)\n", u.Email, u.Subject)
		} else {
			fmt.Fprintln(s.out, "not signed in")
		}
	case "list":
		s.printList()
	case "more":
		items := s.pager.View().Snapshot().Items
		if len(items) == 0 || s.trigger.Reveal(items[len(items)-1].ID) == 0 {
			fmt.Fprintln(s.out, "nothing more to load")
			return false, nil
		}
		s.printList()
	case "reload":
		if err := s.pager.Load(ctx); err != nil {
			return false, err
		}
		s.printList()
	case "show":
		if err := need(1); err != nil {
			return false, err
		}
		b, err := s.open(ctx, args[0])
		if err != nil {
			return false, err
		}
		s.printBonsai(b)
	case "create":
		b, err := s.mutator.Create(ctx, core.BonsaiInput{Title: rest(0)})
		if err != nil {
			return false, err
		}
		s.printBonsai(b)
	case "upload":
		if err := need(1); err != nil {
			return false, err
		}
		f, err := core.OpenFile(args[0])
		if err != nil {
			return false, err
		}
		if err := s.uploader.Choose(f); err != nil {
			return false, err
		}
		if title := rest(1); title != "" {
			if err := s.uploader.SetTitle(title); err != nil {
				return false, err
			}
		}
		_, err = s.uploader.Submit(ctx)
		return false, err
	case "rename":
		if err := need(2); err != nil {
			return false, err
		}
		title := rest(1)
		return false, s.edit(ctx, args[0], func(in *core.BonsaiInput) { in.Title = title })
	case "describe":
		if err := need(1); err != nil {
			return false, err
		}
		text := rest(1)
		return false, s.edit(ctx, args[0], func(in *core.BonsaiInput) { in.Description = text })
	case "delete":
		if err := need(1); err != nil {
			return false, err
		}
		return false, s.mutatorFor(args[0]).Delete(ctx, args[0])
	case "add":
		if err := need(2); err != nil {
			return false, err
		}
		f, err := core.OpenFile(args[1])
		if err != nil {
			return false, err
		}
		img, err := s.mutatorFor(args[0]).AddImage(ctx, args[0], f)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "photo %s added\n", img.ID)
	case "rmimg":
		if err := need(2); err != nil {
			return false, err
		}
		return false, s.mutatorFor(args[0]).RemoveImage(ctx, args[0], args[1])
	case "ask":
		if err := need(1); err != nil {
			return false, err
		}
		f := s.flow(args[0])
		if _, err := f.Ask(ctx, rest(1)); err != nil {
			return false, err
		}
		s.printInsights(f.Insights())
	case "insights":
		if err := need(1); err != nil {
			return false, err
		}
		f := s.flow(args[0])
		if err := f.Refresh(ctx); err != nil {
			return false, err
		}
		s.printInsights(f.Insights())
	case "rmins":
		if err := need(2); err != nil {
			return false, err
		}
		return false, s.flow(args[0]).Delete(ctx, args[1])
	case "suggest":
		for i, q := range insight.Suggestions() {
			fmt.Fprintf(s.out, "%d. %s\n", i+1, q)
		}
	default:
		return false, fmt.Errorf("unknown command %q, try help", cmd)
	}
	return false, nil
}

func (s *shell) close() {
	for _, f := range s.flows {
		f.Close()
	}
	s.uploader.Close()
	s.closeDetail()
	s.mutator.Close()
	s.pager.Close()
	s.session.Close()
}

// serve reads commands until quit, end of input or cancellation.
func (s *shell) serve(ctx context.Context) {
	fmt.Fprintln(s.out, "BonsaiWay. Type help for commands.")
	for {
		fmt.Fprint(s.out, "> ")
		if !s.in.Scan() {
			return
		}
		quit, err := s.run(ctx, s.in.Text())
		if err != nil {
			var he *core.HTTPError
			switch {
			case core.IsValidation(err), errors.Is(err, core.ErrNotConfirmed):
				fmt.Fprintf(s.out, "%v\n", err)
			case errors.As(err, &he) && he.Unauthorized():
				fmt.Fprintln(s.out, "not signed in, use login")
			default:
				fmt.Fprintf(s.out, "error: %v\n", err)
			}
		}
		if quit || ctx.Err() != nil {
			return
		}
	}
}

// newShell wires the session, the API client and the view components.
func newShell(ctx context.Context, cfg *config.Config, tokens core.TokenStore, in io.Reader, out io.Writer) *shell {
	sess := session.New(
		session.NewPasswordProvider(cfg.AuthURL, cfg.AuthClientID, cfg.AuthClientSecret, cfg.RequestTimeout),
		tokens,
	)
	api := client.New(cfg.APIBaseURL,
		client.WithPrefix(cfg.APIPrefix),
		client.WithTimeout(cfg.RequestTimeout),
		client.WithTokenSource(sess),
	)

	s := &shell{
		in:      bufio.NewScanner(in),
		out:     out,
		session: sess,
		client:  api,
		trigger: collection.NewManualTrigger(),
		flows:   make(map[string]*insight.Flow),
	}
	s.pager = collection.NewPager(api,
		collection.WithPageSize(cfg.PageSize),
		collection.WithTrigger(s.trigger),
		collection.WithErrorHandler(func(err error) {
			logrus.WithField("error", err).Warn("Loading more bonsais failed")
		}),
	)
	s.mutator = mutation.New(api,
		mutation.WithSinks(s.pager.View()),
		mutation.WithReloader(s.pager),
		mutation.WithConfirm(s.confirm),
	)
	s.uploader = upload.New(
		func(ctx context.Context, d upload.Draft) (*core.Bonsai, error) {
			return s.mutator.CreateWithImage(ctx, core.BonsaiInput{Title: d.Title}, d.File)
		},
		upload.Hooks[*core.Bonsai]{
			OnInvalid: func(err error) { fmt.Fprintf(s.out, "rejected: %v\n", err) },
			OnSuccess: func(_ upload.Draft, b *core.Bonsai) { s.printBonsai(b) },
			OnFailure: func(d upload.Draft, err error) { fmt.Fprintf(s.out, "upload of %s failed: %v\n", d.Title, err) },
		},
	)
	var (
		mu     sync.Mutex
		loaded string
	)
	// Token refreshes also notify; reload only when the account changes.
	sess.OnChange(func(u *core.User) {
		mu.Lock()
		id := ""
		if u != nil {
			id = u.Subject
		}
		changed := id != loaded
		loaded = id
		mu.Unlock()
		if !changed || u == nil {
			return
		}
		if err := s.pager.Start(ctx); err != nil {
			logrus.WithField("error", err).Warn("Failed to load bonsais")
		}
	})
	if err := sess.Init(ctx); err != nil {
		logrus.WithField("error", err).Warn("Failed to restore session")
	}

	return s
}

func main() {
	logLevel := flag.String("loglevel", "", "The log level (debug, info, warn, error).")
	flag.Parse()

	cfg := config.Load()
	if *logLevel == "" {
		*logLevel = cfg.LogLevel
	}
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	if err := cfg.Validate(); err != nil {
		logrus.WithField("error", err).Fatal("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tokens, err := stores.GetStore(cfg.TokenStoreType, cfg.TokenStorePath)
	if err != nil {
		logrus.WithField("error", err).Fatal("Failed to open credential store")
	}

	s := newShell(ctx, cfg, tokens, os.Stdin, os.Stdout)
	defer s.close()

	s.serve(ctx)
}
