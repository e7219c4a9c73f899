package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func echoTool(name string) Tool {
	return Tool{
		Name:        name,
		Description: "echoes its input",
		Parameters:  map[string]string{"value": "anything"},
		Required:    []string{"value"},
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"value": args["value"]}, nil
		},
	}
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry(0, nil)

	if err := r.Register(echoTool("echo")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(echoTool("echo")); !errors.Is(err, ErrDuplicateTool) {
		t.Errorf("duplicate Register error = %v, want ErrDuplicateTool", err)
	}
	if err := r.Register(Tool{Name: "empty"}); err == nil {
		t.Error("expected error for tool without handler")
	}
	if err := r.Register(Tool{Handler: echoTool("x").Handler}); err == nil {
		t.Error("expected error for tool without name")
	}
	if !r.Has("echo") || r.Has("missing") {
		t.Error("Has reports wrong membership")
	}
}

func TestRegistryExecute(t *testing.T) {
	r := NewRegistry(time.Second, nil)
	if err := r.Register(echoTool("echo")); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(Tool{
		Name: "broken",
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"partial": true}, errors.New("host unreachable")
		},
	}); err != nil {
		t.Fatal(err)
	}

	res := r.Execute(context.Background(), "echo", map[string]any{"value": "hi"})
	if !res.Success || res.Outputs["value"] != "hi" {
		t.Errorf("echo result = %+v", res)
	}

	res = r.Execute(context.Background(), "echo", map[string]any{})
	if res.Success || !strings.Contains(res.Error, "value") {
		t.Errorf("missing argument result = %+v", res)
	}

	res = r.Execute(context.Background(), "broken", nil)
	if res.Success || res.Error != "host unreachable" || res.Outputs["partial"] != true {
		t.Errorf("broken result = %+v", res)
	}

	res = r.Execute(context.Background(), "nmap", nil)
	if res.Success || !strings.Contains(res.Error, ErrUnknownTool.Error()) {
		t.Errorf("unknown tool result = %+v", res)
	}
}

func TestRegistryExecuteTimeout(t *testing.T) {
	r := NewRegistry(20*time.Millisecond, nil)
	if err := r.Register(Tool{
		Name: "hang",
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}); err != nil {
		t.Fatal(err)
	}

	res := r.Execute(context.Background(), "hang", nil)
	if res.Success || !strings.Contains(res.Error, "timed out") {
		t.Errorf("result = %+v, want timeout failure", res)
	}
}

func TestRegistryListAndDescribe(t *testing.T) {
	r := NewRegistry(0, nil)
	for _, name := range []string{"zeta", "alpha"} {
		if err := r.Register(echoTool(name)); err != nil {
			t.Fatal(err)
		}
	}

	list := r.List()
	if len(list) != 2 || list[0].Name != "alpha" || list[1].Name != "zeta" {
		t.Errorf("List() order = %v", list)
	}

	desc := r.Describe()
	for _, want := range []string{"- alpha: echoes its input", "value (required): anything"} {
		if !strings.Contains(desc, want) {
			t.Errorf("Describe() missing %q:\n%s", want, desc)
		}
	}
}
