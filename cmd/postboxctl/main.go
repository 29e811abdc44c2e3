package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/postbox/internal/account"
	"github.com/matheus3301/postbox/internal/api"
)

func main() {
	accountFlag := flag.String("account", "", "account name (overrides the selected account)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	m, err := account.Open(account.BaseDir())
	if err != nil {
		fatalf("%v", err)
	}
	if args[0] == "accounts" {
		cmdAccounts(m, args[1:], *jsonFlag)
		return
	}

	entry, err := account.Resolve(m, *accountFlag)
	if err != nil {
		fatalf("%v", err)
	}
	c, err := api.Dial(account.PathsFor(entry.Dir).Socket())
	if err != nil {
		fatalf("cannot connect to daemon for account %q: %v", entry.Name, err)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "events" {
		prefix := ""
		if len(args) > 1 {
			prefix = args[1]
		}
		cmdEvents(c, prefix)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	out := printer{json: *jsonFlag}

	switch args[0] {
	case "status":
		resp, err := c.Status(ctx)
		check(err)
		out.print(resp, func() {
			fmt.Printf("Account: %s (%s)\n", entry.Name, resp.Addr)
			fmt.Printf("State:   %s since %s\n", resp.State, time.UnixMilli(resp.Since).Format(time.RFC3339))
			if resp.LastError != "" {
				fmt.Printf("Error:   %s\n", resp.LastError)
			}
			fmt.Printf("Running: %v\n", resp.Running)
			fmt.Printf("Messages: %d, pending jobs: %d, handshakes: %d\n", resp.Messages, resp.Jobs, resp.Handshakes)
		})
	case "start":
		check(c.Start(ctx))
	case "stop":
		check(c.Stop(ctx))
	case "configure":
		need(args, 2, "configure <addr>")
		check(c.Configure(ctx, args[1], readPassword()))
		fmt.Println("configured")
	case "snapshot":
		need(args, 2, "snapshot <path>")
		path, err := filepath.Abs(args[1])
		check(err)
		check(c.Snapshot(ctx, path))
		fmt.Println(path)
	case "chats":
		req := &api.ChatsRequest{}
		if len(args) > 1 {
			switch args[1] {
			case "archived":
				req.Archived = true
			case "requests":
				req.Requests = true
			default:
				req.Query = args[1]
			}
		}
		resp, err := c.Chats(ctx, req)
		check(err)
		out.print(resp, func() {
			if len(resp.Chats) == 0 {
				fmt.Println("No chats.")
			}
			for _, ch := range resp.Chats {
				flags := ch.Type
				if ch.Blocked != "accepted" {
					flags += "," + ch.Blocked
				}
				if ch.Protected {
					flags += ",protected"
				}
				fmt.Printf("%6d  %-30s %-24s fresh=%d\n", ch.ID, ch.Name, flags, ch.Fresh)
			}
		})
	case "messages":
		need(args, 2, "messages <chat>")
		resp, err := c.Messages(ctx, &api.MessagesRequest{ChatID: chatID(args[1])})
		check(err)
		out.print(resp, func() {
			for i := len(resp.Messages) - 1; i >= 0; i-- {
				msg := resp.Messages[i]
				lock := " "
				if msg.Encrypted {
					lock = "*"
				}
				text := msg.Text
				if msg.File != "" {
					text = fmt.Sprintf("[%s] %s", msg.File, text)
				}
				fmt.Printf("%s %s %6d %-14s %s\n", time.UnixMilli(msg.Timestamp).Format("2006-01-02 15:04"),
					lock, msg.ID, msg.State, text)
			}
		})
	case "send":
		need(args, 3, "send <chat> <text>")
		resp, err := c.Send(ctx, &api.SendRequest{ChatID: chatID(args[1]), Text: strings.Join(args[2:], " ")})
		check(err)
		out.print(resp, func() { fmt.Printf("queued message %d\n", resp.MsgID) })
	case "send-file":
		need(args, 3, "send-file <chat> <path> [caption]")
		data, err := os.ReadFile(args[2])
		check(err)
		mimeType := mime.TypeByExtension(filepath.Ext(args[2]))
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		resp, err := c.Send(ctx, &api.SendRequest{
			ChatID:   chatID(args[1]),
			Text:     strings.Join(args[3:], " "),
			FileName: filepath.Base(args[2]),
			MimeType: mimeType,
			Data:     data,
		})
		check(err)
		out.print(resp, func() { fmt.Printf("queued message %d\n", resp.MsgID) })
	case "seen":
		need(args, 2, "seen <msg>...")
		var ids []int64
		for _, a := range args[1:] {
			ids = append(ids, chatID(a))
		}
		check(c.MarkSeen(ctx, ids))
	case "accept":
		need(args, 2, "accept <chat>")
		check(c.Accept(ctx, chatID(args[1])))
	case "block":
		need(args, 2, "block <chat>")
		check(c.Block(ctx, chatID(args[1])))
	case "invite":
		var id int64
		if len(args) > 1 {
			id = chatID(args[1])
		}
		resp, err := c.Invite(ctx, id)
		check(err)
		out.print(resp, func() {
			fmt.Print(resp.QR)
			fmt.Println(resp.Text)
		})
	case "join":
		need(args, 2, "join <qr>")
		resp, err := c.Join(ctx, args[1])
		check(err)
		out.print(resp, func() { fmt.Printf("joining, chat %d\n", resp.ChatID) })
	case "contacts":
		req := &api.ContactsRequest{}
		if len(args) > 1 {
			req.Query = args[1]
		}
		resp, err := c.Contacts(ctx, req)
		check(err)
		out.print(resp, func() {
			for _, ct := range resp.Contacts {
				fmt.Printf("%6d  %-30s %s\n", ct.ID, ct.Name, ct.Addr)
			}
		})
	case "peerstate":
		need(args, 2, "peerstate <addr>")
		resp, err := c.Peerstate(ctx, args[1])
		check(err)
		out.print(resp, func() {
			fmt.Printf("Address:     %s\n", resp.Addr)
			fmt.Printf("Fingerprint: %s\n", resp.Fingerprint)
			if resp.VerifiedFingerprint != "" {
				fmt.Printf("Verified:    %s\n", resp.VerifiedFingerprint)
			}
			fmt.Printf("Trust:       %s\n", resp.Level)
			fmt.Printf("Prefer enc.: %v\n", resp.PreferEncrypt)
		})
	case "search":
		need(args, 2, "search <query>")
		resp, err := c.Search(ctx, &api.SearchRequest{Query: strings.Join(args[1:], " ")})
		check(err)
		out.print(resp, func() {
			for _, h := range resp.Results {
				fmt.Printf("chat %-6d msg %-6d %s\n", h.Message.ChatID, h.Message.ID, h.Snippet)
			}
		})
	case "housekeeping":
		resp, err := c.Housekeeping(ctx)
		check(err)
		out.print(resp, func() {
			fmt.Printf("expired %d, deleted %d local / %d server, pruned %d tombstones, removed %d files\n",
				resp.Expired, resp.DeviceDeleted, resp.ServerDeleted, resp.Tombstones, resp.Blobs)
		})
	case "config":
		need(args, 2, "config <key> [value]")
		if len(args) > 2 {
			check(c.SetConfig(ctx, args[1], args[2]))
			return
		}
		v, err := c.GetConfig(ctx, args[1])
		check(err)
		fmt.Println(v)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: postboxctl [--account <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                       Show account status")
	fmt.Fprintln(os.Stderr, "  start | stop                 Start or stop IO")
	fmt.Fprintln(os.Stderr, "  configure <addr>             Configure the account (password on stdin)")
	fmt.Fprintln(os.Stderr, "  snapshot <path>              Write a copy of the database")
	fmt.Fprintln(os.Stderr, "  chats [archived|requests|q]  List chats")
	fmt.Fprintln(os.Stderr, "  messages <chat>              Show messages of a chat")
	fmt.Fprintln(os.Stderr, "  send <chat> <text>           Send a text message")
	fmt.Fprintln(os.Stderr, "  send-file <chat> <path>      Send a file")
	fmt.Fprintln(os.Stderr, "  seen <msg>...                Mark messages as read")
	fmt.Fprintln(os.Stderr, "  accept | block <chat>        Answer a contact request")
	fmt.Fprintln(os.Stderr, "  invite [chat]                Show an invite code")
	fmt.Fprintln(os.Stderr, "  join <qr>                    Join from an invite code")
	fmt.Fprintln(os.Stderr, "  contacts [query]             List contacts")
	fmt.Fprintln(os.Stderr, "  peerstate <addr>             Show key state of a contact")
	fmt.Fprintln(os.Stderr, "  search <query>               Search messages")
	fmt.Fprintln(os.Stderr, "  housekeeping                 Run housekeeping now")
	fmt.Fprintln(os.Stderr, "  config <key> [value]         Read or write a raw config key")
	fmt.Fprintln(os.Stderr, "  events [prefix]              Stream events")
	fmt.Fprintln(os.Stderr, "  accounts [list|add|select|remove] [name]")
}

func cmdAccounts(m *account.Manager, args []string, jsonOut bool) {
	sub := "list"
	if len(args) > 0 {
		sub = args[0]
	}
	out := printer{json: jsonOut}
	switch sub {
	case "list":
		accounts := m.List()
		selected, _ := m.Selected()
		out.print(accounts, func() {
			if len(accounts) == 0 {
				fmt.Println("No accounts.")
			}
			for _, a := range accounts {
				mark := " "
				if a.ID == selected.ID {
					mark = "*"
				}
				fmt.Printf("%s %3d  %-20s %s\n", mark, a.ID, a.Name, a.Dir)
			}
		})
	case "add":
		need(args, 2, "accounts add <name>")
		e, err := m.Add(args[1])
		check(err)
		out.print(e, func() { fmt.Printf("added account %d (%s)\n", e.ID, e.Dir) })
	case "select", "remove":
		need(args, 2, "accounts "+sub+" <name>")
		e, err := m.Lookup(args[1])
		check(err)
		if sub == "select" {
			check(m.Select(e.ID))
		} else {
			check(m.Remove(e.ID))
		}
	default:
		fatalf("unknown accounts subcommand: %s", sub)
	}
}

func cmdEvents(c *api.Client, prefix string) {
	stream, err := c.Events(context.Background(), prefix)
	check(err)
	enc := json.NewEncoder(os.Stdout)
	for {
		evt, err := stream.Recv()
		check(err)
		if err := enc.Encode(evt); err != nil {
			fatalf("json encode error: %v", err)
		}
	}
}

// readPassword takes $POSTBOX_PASSWORD or one line from stdin.
func readPassword() string {
	if pw := os.Getenv("POSTBOX_PASSWORD"); pw != "" {
		return pw
	}
	fmt.Fprint(os.Stderr, "password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		fatalf("reading password: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

type printer struct{ json bool }

func (p printer) print(v any, human func()) {
	if !p.json {
		human()
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

func chatID(s string) int64 {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		fatalf("not an id: %q", s)
	}
	return id
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fatalf("usage: postboxctl %s", usage)
	}
}

func check(err error) {
	if err != nil {
		fatalf("%v", err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
