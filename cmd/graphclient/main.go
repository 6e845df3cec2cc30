package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/texturenet/pkg/api"
	"k8s.io/examples/AI/texturenet/pkg/config"
	"k8s.io/examples/AI/texturenet/pkg/engine"
	"k8s.io/examples/AI/texturenet/pkg/model"
)

const usage = `usage: graphclient [flags] <command> [args]

commands:
  load <model.json>           load a model description
  feed <node> <v1,v2,...>     set an input node's values (declared shape)
  evaluate                    tick until no node can make progress
  tick                        run one evaluation tick
  inspect                     list every node's status
  node <name>                 show one node
  output <name>               print a ready node's values
  reset                       release all textures and mark every node missing
`

func main() {
	ctx := context.Background()
	err := run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg := config.Load()

	klog.InitFlags(nil)
	cfg.AddFlags(flag.CommandLine)
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		return fmt.Errorf("no command given")
	}

	log := klog.FromContext(ctx)

	conn, err := grpc.NewClient(cfg.ServerAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to server %q: %w", cfg.ServerAddr, err)
	}
	defer conn.Close()
	client := api.NewClient(conn)

	log.V(2).Info("Starting graphclient", "server", cfg.ServerAddr, "command", args[0])

	p := message.NewPrinter(language.English)
	return execute(ctx, client, p, args[0], args[1:])
}

func execute(ctx context.Context, client *api.Client, p *message.Printer, command string, args []string) error {
	need := func(n int) error {
		if len(args) != n {
			return fmt.Errorf("%s takes %d argument(s), got %d", command, n, len(args))
		}
		return nil
	}

	switch command {
	case "load":
		if err := need(1); err != nil {
			return err
		}
		desc, err := model.ReadFile(args[0])
		if err != nil {
			return err
		}
		if err := client.Load(ctx, desc); err != nil {
			return fmt.Errorf("failed to load %q: %w", args[0], err)
		}
		p.Printf("loaded %q: %d nodes\n", desc.Name, len(desc.Nodes))

	case "feed":
		if err := need(2); err != nil {
			return err
		}
		values, err := parseValues(args[1])
		if err != nil {
			return err
		}
		if err := client.SetInput(ctx, args[0], nil, values); err != nil {
			return fmt.Errorf("failed to feed %q: %w", args[0], err)
		}
		p.Printf("fed %d values to %s\n", len(values), args[0])

	case "evaluate":
		if err := need(0); err != nil {
			return err
		}
		counts, ticks, err := client.Evaluate(ctx)
		if err != nil {
			return fmt.Errorf("failed to evaluate: %w", err)
		}
		p.Printf("%d ticks: ", ticks)
		printCounts(p, counts)

	case "tick":
		if err := need(0); err != nil {
			return err
		}
		report, err := client.Tick(ctx)
		if err != nil {
			return fmt.Errorf("failed to tick: %w", err)
		}
		p.Printf("tick %d: evaluated %v, failed %v\n", report.Tick, report.Evaluated, report.Failed)
		printCounts(p, report.Counts)

	case "inspect":
		if err := need(0); err != nil {
			return err
		}
		nodes, err := client.Inspect(ctx)
		if err != nil {
			return fmt.Errorf("failed to inspect: %w", err)
		}
		printNodes(p, nodes)

	case "node":
		if err := need(1); err != nil {
			return err
		}
		n, err := client.Node(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to get %q: %w", args[0], err)
		}
		printNodes(p, []engine.NodeStatus{n})

	case "output":
		if err := need(1); err != nil {
			return err
		}
		out, err := client.Output(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to read %q: %w", args[0], err)
		}
		p.Printf("%s %v: %v\n", args[0], out.Shape, out.Values)

	case "reset":
		if err := need(0); err != nil {
			return err
		}
		if err := client.Reset(ctx); err != nil {
			return fmt.Errorf("failed to reset: %w", err)
		}

	default:
		return fmt.Errorf("unknown command %q", command)
	}
	return nil
}

func parseValues(s string) ([]float32, error) {
	var values []float32
	for _, field := range strings.Split(s, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(field), 32)
		if err != nil {
			return nil, fmt.Errorf("parsing value %q: %w", field, err)
		}
		values = append(values, float32(v))
	}
	return values, nil
}

func printCounts(p *message.Printer, c engine.Counts) {
	p.Printf("%d ready, %d missing, %d failed, %d not supported\n", c.Ready, c.Missing, c.Failed, c.NotSupported)
}

func printNodes(p *message.Printer, nodes []engine.NodeStatus) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	p.Fprintf(w, "NAME\tOP\tSTATUS\tSHAPE\tTEXTURE\tERROR\n")
	for _, n := range nodes {
		texture := ""
		if n.Width > 0 {
			texture = p.Sprintf("%dx%d", n.Width, n.Height)
		}
		shape := ""
		if n.Shape != nil {
			shape = fmt.Sprint(n.Shape)
		}
		p.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", n.Name, n.Op, n.Status, shape, texture, n.Error)
	}
	w.Flush()
}
