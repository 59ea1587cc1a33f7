// Command sandboxctl is a command line client for sandboxd.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"

	"github.com/nstogner/sandboxd/pkg/client"
	"github.com/nstogner/sandboxd/pkg/domain"
	"github.com/nstogner/sandboxd/pkg/server"
)

var version = "dev"

type runContext struct {
	ctx    context.Context
	client *client.Client
	out    io.Writer
}

type CLI struct {
	Host    string           `help:"sandboxd endpoint (defaults to $SANDBOXD_HOST or http://127.0.0.1:8080)"`
	Version kong.VersionFlag `help:"Print version"`

	Acquire   AcquireCommand   `cmd:"" help:"Acquire the sandbox for a session, provisioning one if needed"`
	Release   ReleaseCommand   `cmd:"" help:"Release the sandbox bound to a session"`
	Status    StatusCommand    `cmd:"" help:"Show the sandbox bound to a session"`
	List      ListCommand      `cmd:"" help:"List sandboxes"`
	History   HistoryCommand   `cmd:"" help:"List recorded sandboxes, including released ones"`
	Templates TemplatesCommand `cmd:"" help:"List templates"`
	Events    EventsCommand    `cmd:"" help:"Show the state transitions of a session"`
	Logs      LogsCommand      `cmd:"" help:"Print the output of a session's sandbox"`
	Watch     WatchCommand     `cmd:"" help:"Watch a session's sandbox change state"`
}

type AcquireCommand struct {
	Key         string            `arg:"" help:"Session key"`
	Template    string            `short:"t" required:"" help:"Template name"`
	Env         map[string]string `short:"e" help:"Extra environment (KEY=VALUE)"`
	BootTimeout time.Duration     `help:"Override the boot timeout"`
	JSON        bool              `help:"Print the handle as JSON"`
}

type ReleaseCommand struct {
	Key    string `arg:"" help:"Session key"`
	Reason string `help:"Reason recorded with the release"`
}

type StatusCommand struct {
	Key  string `arg:"" help:"Session key"`
	JSON bool   `help:"Print the instance as JSON"`
}

type ListCommand struct {
	JSON bool `help:"Print instances as JSON"`
}

type HistoryCommand struct {
	Limit int  `short:"n" help:"Show only the most recent N instances"`
	JSON  bool `help:"Print instances as JSON"`
}

type TemplatesCommand struct {
	JSON bool `help:"Print templates as JSON"`
}

type EventsCommand struct {
	Key   string `arg:"" help:"Session key"`
	Limit int    `short:"n" help:"Show only the most recent N events"`
	JSON  bool   `help:"Print events as JSON"`
}

type LogsCommand struct {
	Key string `arg:"" help:"Session key"`
}

type WatchCommand struct {
	Key      string `arg:"" help:"Session key"`
	Template string `short:"t" help:"Acquire with this template after connecting"`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("sandboxctl"),
		kong.Description("Manage sandboxd sessions"),
		kong.Vars{"version": version},
	)

	c, err := client.New(cli.Host)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err = kctx.Run(&runContext{ctx: ctx, client: c, out: os.Stdout})
	kctx.FatalIfErrorf(err)
}

func (a *AcquireCommand) Run(rc *runContext) error {
	h, err := rc.client.Acquire(rc.ctx, a.Key, server.AcquireRequest{
		Template:    a.Template,
		Env:         a.Env,
		BootTimeout: durationString(a.BootTimeout),
	})
	if err != nil {
		return err
	}
	if a.JSON {
		return printJSON(rc.out, h)
	}
	_, err = fmt.Fprintf(rc.out, "%s %s %s\n", h.InstanceID, stateStyle(h.State).Render(string(h.State)), h.Endpoint)
	return err
}

func (r *ReleaseCommand) Run(rc *runContext) error {
	return rc.client.Release(rc.ctx, r.Key, r.Reason)
}

func (s *StatusCommand) Run(rc *runContext) error {
	st, err := rc.client.Status(rc.ctx, s.Key)
	if err != nil {
		return err
	}
	if s.JSON {
		return printJSON(rc.out, st.Instance)
	}
	inst := st.Instance
	w := tabwriter.NewWriter(rc.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID\t%s\n", inst.ID)
	fmt.Fprintf(w, "Session\t%s\n", inst.SessionKey)
	fmt.Fprintf(w, "Template\t%s\n", inst.Template.Name)
	fmt.Fprintf(w, "State\t%s\n", stateStyle(inst.State).Render(string(inst.State)))
	fmt.Fprintf(w, "Endpoint\t%s\n", inst.Endpoint)
	fmt.Fprintf(w, "Attempts\t%d\n", inst.RetryCount)
	if inst.FailureReason != "" {
		fmt.Fprintf(w, "Failure\t%s: %s\n", inst.FailureReason, inst.FailureMessage)
	}
	return w.Flush()
}

func (l *ListCommand) Run(rc *runContext) error {
	list, err := rc.client.List(rc.ctx)
	if err != nil {
		return err
	}
	if l.JSON {
		return printJSON(rc.out, list)
	}
	return printInstances(rc.out, list)
}

func (h *HistoryCommand) Run(rc *runContext) error {
	history, err := rc.client.History(rc.ctx, h.Limit)
	if err != nil {
		return err
	}
	if h.JSON {
		return printJSON(rc.out, history)
	}
	return printInstances(rc.out, history)
}

func printInstances(out io.Writer, list []domain.Instance) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, headerStyle.Render("SESSION")+"\t"+headerStyle.Render("INSTANCE")+"\t"+headerStyle.Render("TEMPLATE")+"\t"+headerStyle.Render("STATE")+"\t"+headerStyle.Render("ENDPOINT")+"\t"+headerStyle.Render("AGE"))
	for _, inst := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			inst.SessionKey, inst.ID, inst.Template.Name,
			stateStyle(inst.State).Render(string(inst.State)),
			inst.Endpoint, time.Since(inst.CreatedAt).Round(time.Second))
	}
	return w.Flush()
}

func (t *TemplatesCommand) Run(rc *runContext) error {
	templates, err := rc.client.Templates(rc.ctx)
	if err != nil {
		return err
	}
	if t.JSON {
		return printJSON(rc.out, templates)
	}
	w := tabwriter.NewWriter(rc.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tIMAGE\tPORT\tHEALTH")
	for _, tpl := range templates {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s %s\n", tpl.Name, tpl.Image, tpl.Port, tpl.HealthProtocol, tpl.HealthPath)
	}
	return w.Flush()
}

func (e *EventsCommand) Run(rc *runContext) error {
	events, err := rc.client.Events(rc.ctx, e.Key, e.Limit)
	if err != nil {
		return err
	}
	if e.JSON {
		return printJSON(rc.out, events)
	}
	for _, ev := range events {
		fmt.Fprintln(rc.out, formatEvent(ev))
	}
	return nil
}

func (l *LogsCommand) Run(rc *runContext) error {
	r, err := rc.client.Logs(rc.ctx, l.Key)
	if err != nil {
		return err
	}
	defer r.Close()
	_, err = io.Copy(rc.out, r)
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func durationString(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return d.String()
}
