// Command crocksctl is a simple operator/debugging CLI for a crocks
// cluster, translated from original_source/src/crocksctl/crocksctl.cc's
// subcommand set (get/put/del/list/dump/clear/info) and supplemented
// with the health/migrate/remove operator actions spec.md §4.1's
// lifecycle implies but the original CLI left to a human poking etcd
// directly. Flag parsing follows cmd/crocks-server's flag-based style.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/panktist/crocks/client"
	"github.com/panktist/crocks/internal/coordinator"
)

const ctlTimeout = 10 * time.Second

const usage = `Usage: crocksctl [options] command [args]...

A simple command line client for crocks.

Commands:
  get <key>          Get key.
  put <key> <value>  Put key.
  del <key>          Delete key.
  list               Print every key.
  dump               Print every key-value pair.
  clear              Delete all keys.
  info               Print cluster info.
  health             Print whether every node is marked available.
  migrate            Recompute shard placement and start migrating.
  remove <node-id>   Mark a node for graceful removal.

Options:
  -etcd <address>  Etcd address [default: localhost:2379].
`

func main() {
	etcd := flag.String("etcd", "localhost:2379", "etcd address")
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	command, rest := args[0], args[1:]
	switch command {
	case "get":
		requireArgs(rest, 1)
		cmdGet(*etcd, rest[0])
	case "put":
		requireArgs(rest, 2)
		cmdPut(*etcd, rest[0], rest[1])
	case "del":
		requireArgs(rest, 1)
		cmdDelete(*etcd, rest[0])
	case "list":
		requireArgs(rest, 0)
		cmdList(*etcd, false)
	case "dump":
		requireArgs(rest, 0)
		cmdList(*etcd, true)
	case "clear":
		requireArgs(rest, 0)
		cmdClear(*etcd)
	case "info":
		requireArgs(rest, 0)
		cmdInfo(*etcd)
	case "health":
		requireArgs(rest, 0)
		cmdHealth(*etcd)
	case "migrate":
		requireArgs(rest, 0)
		cmdMigrate(*etcd)
	case "remove":
		requireArgs(rest, 1)
		cmdRemove(*etcd, rest[0])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

func requireArgs(args []string, n int) {
	if len(args) != n {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

func dialCluster(etcd string) *client.Cluster {
	c, err := client.New([]string{etcd}, client.DefaultOptions())
	if err != nil {
		log.Fatalf("crocksctl: %v", err)
	}
	return c
}

func cmdGet(etcd, key string) {
	c := dialCluster(etcd)
	defer c.Close()
	printRoute(c, []byte(key))
	ctx, cancel := context.WithTimeout(context.Background(), ctlTimeout)
	defer cancel()
	status, value, err := c.Get(ctx, []byte(key))
	if err != nil {
		log.Fatalf("crocksctl: get: %v", err)
	}
	fmt.Printf("value:\t%s\n", value)
	fmt.Printf("status:\t%d\n", status)
}

func cmdPut(etcd, key, value string) {
	c := dialCluster(etcd)
	defer c.Close()
	printRoute(c, []byte(key))
	ctx, cancel := context.WithTimeout(context.Background(), ctlTimeout)
	defer cancel()
	status, err := c.Put(ctx, []byte(key), []byte(value))
	if err != nil {
		log.Fatalf("crocksctl: put: %v", err)
	}
	fmt.Printf("status:\t%d\n", status)
}

func cmdDelete(etcd, key string) {
	c := dialCluster(etcd)
	defer c.Close()
	printRoute(c, []byte(key))
	ctx, cancel := context.WithTimeout(context.Background(), ctlTimeout)
	defer cancel()
	status, err := c.Delete(ctx, []byte(key))
	if err != nil {
		log.Fatalf("crocksctl: del: %v", err)
	}
	fmt.Printf("status:\t%d\n", status)
}

func printRoute(c *client.Cluster, key []byte) {
	id, _, ok := c.RouteKey(key)
	if !ok {
		return
	}
	fmt.Printf("node:\t%d\n", id)
}

func cmdList(etcd string, withValues bool) {
	c := dialCluster(etcd)
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), ctlTimeout)
	defer cancel()
	it, err := c.NewIterator(ctx)
	if err != nil {
		log.Fatalf("crocksctl: %v", err)
	}
	n := 0
	for it.Next() {
		if withValues {
			fmt.Printf("%s: %s\n", it.Key(), it.Value())
		} else {
			fmt.Printf("%s\n", it.Key())
		}
		n++
	}
	if err := it.Err(); err != nil {
		log.Fatalf("crocksctl: %v", err)
	}
	fmt.Printf("total %d\n", n)
}

func cmdClear(etcd string) {
	c := dialCluster(etcd)
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), ctlTimeout)
	defer cancel()
	it, err := c.NewIterator(ctx)
	if err != nil {
		log.Fatalf("crocksctl: %v", err)
	}
	for it.Next() {
		key := append([]byte(nil), it.Key()...)
		if _, err := c.Delete(ctx, key); err != nil {
			log.Fatalf("crocksctl: clear: delete %q: %v", key, err)
		}
	}
	if err := it.Err(); err != nil {
		log.Fatalf("crocksctl: %v", err)
	}
}

func dialCoordinator(etcd string) *coordinator.Client {
	c, err := coordinator.NewClient([]string{etcd}, ctlTimeout)
	if err != nil {
		log.Fatalf("crocksctl: connect to etcd at %s: %v", etcd, err)
	}
	return c
}

func cmdInfo(etcd string) {
	c := dialCoordinator(etcd)
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), ctlTimeout)
	defer cancel()
	rec, err := c.Get(ctx)
	if err != nil {
		log.Fatalf("crocksctl: info: %v", err)
	}
	if rec == nil {
		fmt.Println("no cluster found")
		return
	}
	fmt.Printf("state:\t%s\n", rec.State)
	fmt.Printf("shards:\t%d\n", rec.NumShards)
	for id, n := range rec.Nodes {
		if n.Address == "" {
			continue
		}
		fmt.Printf("node %d:\t%s\tavailable=%v\tremove=%v\n", id, n.Address, n.Available, n.Remove)
		fmt.Printf("  shards:\t%s\n", coordinator.FormatShardRanges(n.SortedShards()))
		if len(n.Future) > 0 {
			fmt.Printf("  future:\t%s\n", coordinator.FormatShardRanges(n.SortedFuture()))
		}
	}
}

func cmdHealth(etcd string) {
	c := dialCoordinator(etcd)
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), ctlTimeout)
	defer cancel()
	if _, err := c.Get(ctx); err != nil {
		log.Fatalf("crocksctl: health: %v", err)
	}
	if c.IsHealthy() {
		fmt.Println("healthy")
		return
	}
	fmt.Println("unhealthy")
	os.Exit(1)
}

func cmdMigrate(etcd string) {
	c := dialCoordinator(etcd)
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), ctlTimeout)
	defer cancel()
	moved, err := c.Migrate(ctx)
	if err != nil {
		log.Fatalf("crocksctl: migrate: %v", err)
	}
	if !moved {
		fmt.Println("nothing to migrate")
		return
	}
	fmt.Println("migration started")
}

func cmdRemove(etcd, idArg string) {
	id, err := strconv.Atoi(idArg)
	if err != nil {
		log.Fatalf("crocksctl: remove: invalid node id %q", idArg)
	}
	c := dialCoordinator(etcd)
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), ctlTimeout)
	defer cancel()
	if err := c.MarkForRemoval(ctx, id); err != nil {
		log.Fatalf("crocksctl: remove: %v", err)
	}
	fmt.Printf("node %d marked for removal\n", id)
}
