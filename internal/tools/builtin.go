package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/sentinel/internal/exec"
	"github.com/ShayCichocki/sentinel/internal/scope"
)

// BuiltinOptions configures the built-in tools.
type BuiltinOptions struct {
	// ShellEnabled registers the shell tool. Off by default.
	ShellEnabled bool
	// WorkDir is the working directory for shell commands.
	WorkDir string
	// HTTPTimeout bounds each HTTP request made by http_probe.
	HTTPTimeout time.Duration
	// DialTimeout bounds each TCP connect made by port_scan.
	DialTimeout time.Duration
	// Resolver overrides the DNS resolver, mainly for tests.
	Resolver *net.Resolver
	// Runner overrides the shell command runner, mainly for tests.
	Runner exec.Runner
	// Scope restricts the hosts the network tools may touch. Nil allows all.
	Scope *scope.Guard
}

// securityHeaders are reported by http_probe when absent.
var securityHeaders = []string{
	"Strict-Transport-Security",
	"Content-Security-Policy",
	"X-Frame-Options",
	"X-Content-Type-Options",
}

var titlePattern = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)

// RegisterBuiltins adds dns_lookup, port_scan, http_probe and, when enabled,
// shell to the registry.
func RegisterBuiltins(r *Registry, opts BuiltinOptions) error {
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 15 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 2 * time.Second
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	runner := opts.Runner
	if runner == nil {
		runner = exec.NewRunner()
	}

	builtins := []Tool{
		{
			Name:        "dns_lookup",
			Description: "Resolve a domain name to its IP addresses.",
			Parameters: map[string]string{
				"domain": "host name to resolve",
			},
			Required: []string{"domain"},
			Handler:  inScope(opts.Scope, "domain", dnsLookup(resolver)),
		},
		{
			Name:        "port_scan",
			Description: "TCP connect scan of a host. Outputs open_ports and closed_ports.",
			Parameters: map[string]string{
				"target": "host name or IP address",
				"ports":  `list of ports or a string such as "22,80,8000-8010"`,
			},
			Required: []string{"target", "ports"},
			Handler:  inScope(opts.Scope, "target", portScan(opts.DialTimeout)),
		},
		{
			Name:        "http_probe",
			Description: "Fetch a URL and report status, server banner, page title and missing security headers as findings.",
			Parameters: map[string]string{
				"url": "absolute http or https URL",
			},
			Required: []string{"url"},
			Handler:  inScope(opts.Scope, "url", httpProbe(probeClient(opts.HTTPTimeout, opts.Scope))),
		},
	}
	if opts.ShellEnabled {
		builtins = append(builtins, Tool{
			Name:        "shell",
			Description: "Run a shell command and capture its output.",
			Parameters: map[string]string{
				"command": "command line passed to bash -c",
			},
			Required: []string{"command"},
			Handler:  shell(runner, opts.WorkDir),
		})
	}

	for _, t := range builtins {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// inScope rejects calls whose target argument the guard does not admit.
func inScope(guard *scope.Guard, arg string, next Handler) Handler {
	if guard == nil {
		return next
	}
	return func(ctx context.Context, args map[string]any) (map[string]any, error) {
		target, _ := stringArg(args, arg)
		if err := guard.Check(target); err != nil {
			return nil, err
		}
		return next(ctx, args)
	}
}

func dnsLookup(resolver *net.Resolver) Handler {
	return func(ctx context.Context, args map[string]any) (map[string]any, error) {
		domain, ok := stringArg(args, "domain", "host", "target")
		if !ok {
			return nil, fmt.Errorf("domain is required")
		}

		addrs, err := resolver.LookupHost(ctx, domain)
		if err != nil {
			return nil, fmt.Errorf("lookup %s: %w", domain, err)
		}
		sort.Strings(addrs)

		outputs := map[string]any{
			"domain":       domain,
			"ip_addresses": toAnySlice(addrs),
		}
		if len(addrs) > 0 {
			outputs["ip_address"] = addrs[0]
		}
		return outputs, nil
	}
}

func portScan(dialTimeout time.Duration) Handler {
	return func(ctx context.Context, args map[string]any) (map[string]any, error) {
		target, ok := stringArg(args, "target", "host", "ip_address")
		if !ok {
			return nil, fmt.Errorf("target is required")
		}
		ports, err := portsArg(args["ports"])
		if err != nil {
			return nil, err
		}

		var (
			mu     sync.Mutex
			open   []int
			closed []int
		)
		dialer := &net.Dialer{Timeout: dialTimeout}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(32)
		for _, port := range ports {
			g.Go(func() error {
				conn, err := dialer.DialContext(gctx, "tcp", net.JoinHostPort(target, strconv.Itoa(port)))
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					closed = append(closed, port)
					return nil
				}
				_ = conn.Close()
				open = append(open, port)
				return nil
			})
		}
		_ = g.Wait()
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		sort.Ints(open)
		sort.Ints(closed)
		return map[string]any{
			"target":       target,
			"open_ports":   toAnySlice(open),
			"closed_ports": toAnySlice(closed),
		}, nil
	}
}

// maxRedirects matches the net/http default policy.
const maxRedirects = 10

// probeClient follows redirects only to hosts the guard admits.
func probeClient(timeout time.Duration, guard *scope.Guard) *http.Client {
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return guard.Check(req.URL.String())
		},
	}
}

func httpProbe(client *http.Client) Handler {
	return func(ctx context.Context, args map[string]any) (map[string]any, error) {
		url, ok := stringArg(args, "url", "target")
		if !ok {
			return nil, fmt.Errorf("url is required")
		}
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			url = "http://" + url
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("User-Agent", "sentinel-probe/1.0")

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request %s: %w", url, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read body: %w", err)
		}

		var findings []string
		for _, h := range securityHeaders {
			if resp.Header.Get(h) == "" {
				findings = append(findings, "missing security header "+h)
			}
		}

		outputs := map[string]any{
			"url":         url,
			"status_code": resp.StatusCode,
			"server":      resp.Header.Get("Server"),
			"findings":    toAnySlice(findings),
		}
		if m := titlePattern.FindSubmatch(body); m != nil {
			outputs["title"] = strings.TrimSpace(string(m[1]))
		}
		return outputs, nil
	}
}

func shell(runner exec.Runner, workDir string) Handler {
	return func(ctx context.Context, args map[string]any) (map[string]any, error) {
		command, ok := stringArg(args, "command")
		if !ok {
			return nil, fmt.Errorf("command is required")
		}

		res, err := runner.RunShell(ctx, workDir, command)
		outputs := map[string]any{"output": res.Output, "exit_code": res.ExitCode}
		if res.Truncated {
			outputs["truncated"] = true
		}
		return outputs, err
	}
}
