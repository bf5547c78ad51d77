// Package testutil provides in-memory stand-ins for cluster nodes.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"k8s-netremedy/internal/executor"
	"k8s-netremedy/internal/types"
)

// FakeNode simulates the kernel, firewall and IPVS state of one node
type FakeNode struct {
	IPForward     bool
	Modules       map[string]bool
	Unloadable    map[string]bool
	ForwardPolicy string
	IPVSEntries   int
	ProxyConfig   string
	ProxyRestarts int

	// Unreachable makes every command fail with a transport error.
	Unreachable bool
	// Broken makes commands whose rendered form starts with a key fail with a transport error.
	Broken map[string]bool
	// IgnoreSysctlWrites makes ip_forward writes succeed without taking effect.
	IgnoreSysctlWrites bool
}

// HealthyNode returns a node that needs no remediation
func HealthyNode(modules ...string) *FakeNode {
	n := &FakeNode{
		IPForward:     true,
		Modules:       map[string]bool{},
		Unloadable:    map[string]bool{},
		ForwardPolicy: "ACCEPT",
		ProxyConfig:   "mode: iptables\n",
		Broken:        map[string]bool{},
	}
	for _, m := range modules {
		n.Modules[m] = true
	}
	return n
}

// FakeCluster implements executor.Executor over a set of FakeNodes
type FakeCluster struct {
	mu    sync.Mutex
	nodes map[string]*FakeNode
	calls map[string][]string
}

// NewFakeCluster creates a fake cluster from node name to state
func NewFakeCluster(nodes map[string]*FakeNode) *FakeCluster {
	return &FakeCluster{nodes: nodes, calls: make(map[string][]string)}
}

// Node returns the state of a node for assertions
func (c *FakeCluster) Node(name string) *FakeNode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes[name]
}

// Calls returns the commands issued against a node, in order
func (c *FakeCluster) Calls(name string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls[name]...)
}

// MutatingCalls returns the commands that change node state
func (c *FakeCluster) MutatingCalls(name string) []string {
	var out []string
	for _, call := range c.Calls(name) {
		switch {
		case strings.HasPrefix(call, "sysctl -w"),
			strings.HasPrefix(call, "modprobe"),
			strings.HasPrefix(call, "iptables -P"),
			strings.HasPrefix(call, "ipvsadm -C"),
			strings.HasPrefix(call, "systemctl restart"):
			out = append(out, call)
		}
	}
	return out
}

// Exec implements executor.Executor
func (c *FakeCluster) Exec(ctx context.Context, node types.Node, cmd executor.Command) (*executor.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	line := cmd.String()
	c.calls[node.Name] = append(c.calls[node.Name], line)

	n, ok := c.nodes[node.Name]
	if !ok || n.Unreachable {
		return nil, errors.Mark(errors.Newf("dial %s: connection refused", node.Name), executor.ErrUnreachable)
	}
	for prefix := range n.Broken {
		if strings.HasPrefix(line, prefix) {
			return nil, errors.Newf("%s: session closed", line)
		}
	}

	out := &executor.Output{Node: node.Name, Command: line}
	stdout, stderr, code := n.run(cmd)
	out.Stdout, out.Stderr, out.ExitCode = stdout, stderr, code
	return out, nil
}

func (n *FakeNode) run(cmd executor.Command) (string, string, int) {
	args := cmd.Args
	switch cmd.Name {
	case "sysctl":
		switch {
		case len(args) == 2 && args[0] == "-n" && args[1] == "net.ipv4.ip_forward":
			if n.IPForward {
				return "1\n", "", 0
			}
			return "0\n", "", 0
		case len(args) == 2 && args[0] == "-w" && args[1] == "net.ipv4.ip_forward=1":
			if !n.IgnoreSysctlWrites {
				n.IPForward = true
			}
			return "net.ipv4.ip_forward = 1\n", "", 0
		case len(args) >= 1 && args[0] == "-a":
			return fmt.Sprintf("net.ipv4.ip_forward = %d\nnet.bridge.bridge-nf-call-iptables = 1\n", boolInt(n.IPForward)), "", 0
		}
	case "ls":
		if len(args) == 2 && args[1] == "/sys/module" {
			return strings.Join(n.loaded(), "\n") + "\n", "", 0
		}
	case "modprobe":
		if len(args) == 1 {
			if n.Unloadable[args[0]] {
				return "", fmt.Sprintf("modprobe: FATAL: Module %s not found in directory /lib/modules\n", args[0]), 1
			}
			n.Modules[args[0]] = true
			return "", "", 0
		}
	case "iptables":
		switch {
		case len(args) == 2 && args[0] == "-S" && args[1] == "FORWARD":
			return fmt.Sprintf("-P FORWARD %s\n-A FORWARD -m comment --comment \"kubernetes forwarding rules\" -j KUBE-FORWARD\n", n.ForwardPolicy), "", 0
		case len(args) == 3 && args[0] == "-P" && args[1] == "FORWARD":
			n.ForwardPolicy = args[2]
			return "", "", 0
		}
	case "iptables-save":
		return fmt.Sprintf("*filter\n:FORWARD %s [0:0]\nCOMMIT\n", n.ForwardPolicy), "", 0
	case "ipvsadm":
		switch {
		case len(args) == 1 && args[0] == "-Ln":
			return n.ipvsTable(), "", 0
		case len(args) == 1 && args[0] == "-C":
			n.IPVSEntries = 0
			return "", "", 0
		}
	case "cat":
		if len(args) == 1 && strings.HasSuffix(args[0], "config.conf") {
			return n.ProxyConfig, "", 0
		}
	case "systemctl":
		switch {
		case len(args) == 2 && args[0] == "restart":
			n.ProxyRestarts++
			return "", "", 0
		case len(args) == 2 && args[0] == "is-active":
			return "active\n", "", 0
		}
	case "ip":
		if len(args) >= 1 && (args[0] == "addr" || args[0] == "-d") {
			return "1: lo: <LOOPBACK,UP,LOWER_UP> mtu 65536\n2: eth0: <BROADCAST,MULTICAST,UP,LOWER_UP> mtu 1500\n", "", 0
		}
		if len(args) >= 1 && args[0] == "route" {
			return "default via 192.168.56.1 dev eth0\n10.244.0.0/16 dev cni0 scope link\n", "", 0
		}
	}
	return "", fmt.Sprintf("%s: command not found\n", cmd.Name), 127
}

func (n *FakeNode) loaded() []string {
	var mods []string
	for m, ok := range n.Modules {
		if ok {
			mods = append(mods, m)
		}
	}
	sort.Strings(mods)
	return mods
}

func (n *FakeNode) ipvsTable() string {
	var b strings.Builder
	b.WriteString("IP Virtual Server version 1.2.1 (size=4096)\n")
	b.WriteString("Prot LocalAddress:Port Scheduler Flags\n")
	b.WriteString("  -> RemoteAddress:Port           Forward Weight ActiveConn InActConn\n")
	for i := 0; i < n.IPVSEntries; i++ {
		fmt.Fprintf(&b, "TCP  10.96.0.%d:443 rr\n", i+1)
		fmt.Fprintf(&b, "  -> 10.244.1.%d:8443              Masq    1      0          0\n", i+1)
	}
	return b.String()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
