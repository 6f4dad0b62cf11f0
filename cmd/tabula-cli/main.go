package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"regexp"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"

	api "tabula/pkg/api"
)

var leaderRe = regexp.MustCompile(`leader=([^\s]+)`)

type connManager struct {
	target   string
	dialOpts []grpc.DialOption
}

func newConnManager(addr string) *connManager {
	return &connManager{
		target: addr,
		dialOpts: []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(api.CallOption()),
		},
	}
}

func (m *connManager) dial(ctx context.Context) (*grpc.ClientConn, error) {
	return grpc.DialContext(ctx, m.target, m.dialOpts...)
}

func (m *connManager) leaderFromError(err error) (string, bool) {
	st, ok := status.FromError(err)
	if !ok {
		return "", false
	}
	if st.Code() != codes.FailedPrecondition && st.Code() != codes.Unknown {
		return "", false
	}
	subs := leaderRe.FindStringSubmatch(st.Message())
	if len(subs) == 2 && subs[1] != "" {
		return subs[1], true
	}
	return "", false
}

func (m *connManager) invokeWithRetry(ctx context.Context, method string, req, resp interface{}) error {
	backoff := 100 * time.Millisecond
	const maxAttempts = 3

	for attempt := 0; attempt < maxAttempts; attempt++ {
		conn, err := m.dial(ctx)
		if err != nil {
			time.Sleep(backoff)
			backoff *= 2
			continue
		}
		err = conn.Invoke(ctx, method, req, resp)
		_ = conn.Close()
		if err == nil {
			return nil
		}
		if leaderAddr, ok := m.leaderFromError(err); ok && leaderAddr != m.target {
			m.target = leaderAddr
			continue
		}
		return err
	}
	return fmt.Errorf("exceeded retry attempts, last target=%s", m.target)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "contracts":
		contractsCmd(os.Args[2:])
	case "table":
		tableCmd(os.Args[2:])
	case "ack":
		ackCmd(os.Args[2:])
	case "status":
		statusCmd(os.Args[2:])
	case "admin":
		adminCmd(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Tabula CLI

Usage:
  tabula-cli contracts list --addr <host:port>
  tabula-cli contracts get  --addr <host:port> --key <k>
  tabula-cli table set      --addr <host:port> --file <shards.yaml>
  tabula-cli ack            --addr <host:port> --server <id> --contract <uuid> --state <state> [--branch <uuid>] [--timestamp <ts>] [--new-branch <uuid>]
  tabula-cli status         --addr <host:port>
  tabula-cli admin members  --addr <host:port>
  tabula-cli admin join     --addr <host:port> --node <id> --address <host:port>
  tabula-cli admin leave    --addr <host:port> --node <id>
`)
}

func contractsCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "list":
		contractsList(args[1:])
	case "get":
		contractsGet(args[1:])
	default:
		usage()
		os.Exit(1)
	}
}

func contractsList(args []string) {
	fs := flag.NewFlagSet("contracts list", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:10001", "gRPC address")
	_ = fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mgr := newConnManager(*addr)

	resp := new(api.GetContractsResponse)
	if err := mgr.invokeWithRetry(ctx, "/tabula.api.Coordinator/GetContracts", &api.GetContractsRequest{}, resp); err != nil {
		fmt.Fprintf(os.Stderr, "contracts error: %v\n", err)
		os.Exit(1)
	}
	if len(resp.Contracts) == 0 {
		fmt.Println("(no contracts)")
		return
	}
	for _, entry := range resp.Contracts {
		printContract(entry)
	}
}

func contractsGet(args []string) {
	fs := flag.NewFlagSet("contracts get", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:10001", "gRPC address")
	key := fs.String("key", "", "key")
	_ = fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mgr := newConnManager(*addr)

	req := &api.GetContractByKeyRequest{Key: []byte(*key)}
	resp := new(api.GetContractByKeyResponse)
	if err := mgr.invokeWithRetry(ctx, "/tabula.api.Coordinator/GetContractByKey", req, resp); err != nil {
		fmt.Fprintf(os.Stderr, "contract error: %v\n", err)
		os.Exit(1)
	}
	if !resp.Found {
		fmt.Println("(no contract)")
		return
	}
	printContract(resp.Contract)
}

func printContract(entry *api.ContractEntry) {
	fmt.Printf("id=%s range=[%q,%q) replicas=%v voters=%v", entry.Id, entry.Start, entry.End, entry.Replicas, entry.Voters)
	if len(entry.TempVoters) > 0 {
		fmt.Printf(" temp_voters=%v", entry.TempVoters)
	}
	if entry.Primary != nil {
		fmt.Printf(" primary=%d", entry.Primary.Server)
		if entry.Primary.HandOver != nil {
			fmt.Printf(" hand_over=%d", *entry.Primary.HandOver)
		}
	}
	if entry.Branch != "" {
		fmt.Printf(" branch=%s", entry.Branch)
	}
	fmt.Println()
}

type shardFile struct {
	Shards []struct {
		Start          string   `yaml:"start"`
		End            string   `yaml:"end"`
		Replicas       []uint64 `yaml:"replicas"`
		PrimaryReplica uint64   `yaml:"primaryReplica"`
	} `yaml:"shards"`
}

func tableCmd(args []string) {
	if len(args) < 1 || args[0] != "set" {
		usage()
		os.Exit(1)
	}
	fs := flag.NewFlagSet("table set", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:10001", "gRPC address")
	file := fs.String("file", "", "yaml file with the desired shards")
	_ = fs.Parse(args[1:])
	if *file == "" {
		fmt.Fprintln(os.Stderr, "--file is required")
		os.Exit(1)
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read shards: %v\n", err)
		os.Exit(1)
	}
	var parsed shardFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		fmt.Fprintf(os.Stderr, "parse shards: %v\n", err)
		os.Exit(1)
	}
	req := &api.SetTableRequest{}
	for _, sh := range parsed.Shards {
		req.Shards = append(req.Shards, &api.Shard{
			Start:          []byte(sh.Start),
			End:            []byte(sh.End),
			Replicas:       sh.Replicas,
			PrimaryReplica: sh.PrimaryReplica,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mgr := newConnManager(*addr)

	resp := new(api.SetTableResponse)
	if err := mgr.invokeWithRetry(ctx, "/tabula.api.Coordinator/SetTable", req, resp); err != nil {
		fmt.Fprintf(os.Stderr, "set table error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("OK")
}

func ackCmd(args []string) {
	fs := flag.NewFlagSet("ack", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:10001", "gRPC address")
	server := fs.Uint64("server", 0, "server id")
	contractID := fs.String("contract", "", "contract id")
	state := fs.String("state", "", "ack state")
	branch := fs.String("branch", "", "version branch id")
	timestamp := fs.Uint64("timestamp", 0, "version timestamp")
	newBranch := fs.String("new-branch", "", "proposed branch id")
	_ = fs.Parse(args)
	if *contractID == "" || *state == "" {
		fmt.Fprintln(os.Stderr, "--contract and --state are required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mgr := newConnManager(*addr)

	req := &api.ReportAckRequest{
		Server:     *server,
		ContractId: *contractID,
		State:      *state,
		Version:    &api.AckVersion{Branch: *branch, Timestamp: *timestamp},
		NewBranch:  *newBranch,
	}
	resp := new(api.ReportAckResponse)
	if err := mgr.invokeWithRetry(ctx, "/tabula.api.Coordinator/ReportAck", req, resp); err != nil {
		fmt.Fprintf(os.Stderr, "ack error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("OK")
}

func statusCmd(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:10001", "gRPC address")
	_ = fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mgr := newConnManager(*addr)

	resp := new(api.StatusResponse)
	if err := mgr.invokeWithRetry(ctx, "/tabula.api.Coordinator/Status", &api.StatusRequest{}, resp); err != nil {
		fmt.Fprintf(os.Stderr, "status error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("node=%d leader=%t leader_addr=%s\n", resp.NodeId, resp.IsLeader, resp.LeaderAddress)
	fmt.Printf("contracts=%d branches=%d pending_acks=%d\n", resp.Contracts, resp.Branches, resp.PendingAcks)
	fmt.Printf("recomputes=%d published=%d retired=%d elections=%d hand_overs=%d\n",
		resp.Recomputes, resp.Published, resp.Retired, resp.Elections, resp.HandOvers)
}

func adminCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "members":
		adminMembers(args[1:])
	case "join":
		adminJoin(args[1:])
	case "leave":
		adminLeave(args[1:])
	default:
		usage()
		os.Exit(1)
	}
}

func adminMembers(args []string) {
	fs := flag.NewFlagSet("admin members", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:10001", "gRPC address")
	_ = fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mgr := newConnManager(*addr)

	resp := new(api.MembersResponse)
	if err := mgr.invokeWithRetry(ctx, "/tabula.api.Admin/Members", &api.MembersRequest{}, resp); err != nil {
		fmt.Fprintf(os.Stderr, "members error: %v\n", err)
		os.Exit(1)
	}
	if len(resp.Members) == 0 {
		fmt.Println("(no members)")
		return
	}
	for _, m := range resp.Members {
		fmt.Printf("node=%d addr=%s\n", m.NodeId, m.Address)
	}
}

func adminJoin(args []string) {
	fs := flag.NewFlagSet("admin join", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:10001", "gRPC address")
	node := fs.Uint64("node", 0, "node id")
	nodeAddr := fs.String("address", "", "node address")
	_ = fs.Parse(args)
	if *node == 0 || *nodeAddr == "" {
		fmt.Fprintln(os.Stderr, "--node and --address are required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mgr := newConnManager(*addr)

	req := &api.JoinRequest{NodeId: *node, Address: *nodeAddr}
	resp := new(api.JoinResponse)
	if err := mgr.invokeWithRetry(ctx, "/tabula.api.Admin/Join", req, resp); err != nil {
		fmt.Fprintf(os.Stderr, "join error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("OK")
}

func adminLeave(args []string) {
	fs := flag.NewFlagSet("admin leave", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:10001", "gRPC address")
	node := fs.Uint64("node", 0, "node id")
	_ = fs.Parse(args)
	if *node == 0 {
		fmt.Fprintln(os.Stderr, "--node is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mgr := newConnManager(*addr)

	req := &api.LeaveRequest{NodeId: *node}
	resp := new(api.LeaveResponse)
	if err := mgr.invokeWithRetry(ctx, "/tabula.api.Admin/Leave", req, resp); err != nil {
		fmt.Fprintf(os.Stderr, "leave error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("OK")
}
