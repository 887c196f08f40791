package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go-chat-core/internal/auth"
	"go-chat-core/internal/chat"
	"go-chat-core/internal/transport/ws"

	"github.com/gorilla/websocket"
	"github.com/olekukonko/tablewriter"
)

const (
	WSURL     = "ws://localhost:8080/ws"
	UserCount = 500 // pairs; each pair is two connections
	MsgCount  = 20  // messages per user
)

type stats struct {
	sent, accepted, received, acked atomic.Int64
}

func main() {
	url := flag.String("url", WSURL, "websocket endpoint")
	pairs := flag.Int("pairs", UserCount, "number of user pairs")
	msgs := flag.Int("msgs", MsgCount, "messages per user")
	flag.Parse()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal("❌ JWT_SECRET is not set")
	}
	issuer := auth.NewJWTVerifier(secret)

	log.Printf("🔥 STARTING STRESS TEST: %d Users, %d Messages each...", *pairs*2, *msgs)
	start := time.Now()
	var st stats
	var wg sync.WaitGroup

	// Pairs: u_0_a talks to u_0_b, u_1_a to u_1_b...
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(issuer, *url, pairID, *msgs, &st)
		}(i)
	}
	wg.Wait()

	log.Printf("✅ LOAD TEST COMPLETE in %s", time.Since(start).Round(time.Millisecond))
	st.render()
}

func (s *stats) render() {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Sent", "Accepted", "Received", "Acked"})
	table.SetBorder(false)
	table.Append([]string{
		strconv.FormatInt(s.sent.Load(), 10),
		strconv.FormatInt(s.accepted.Load(), 10),
		strconv.FormatInt(s.received.Load(), 10),
		strconv.FormatInt(s.acked.Load(), 10),
	})
	table.Render()
}

func runPair(issuer *auth.JWTVerifier, url string, pairID, msgs int, st *stats) {
	userA := chat.Identity(fmt.Sprintf("u_%d_a", pairID))
	userB := chat.Identity(fmt.Sprintf("u_%d_b", pairID))

	var wsWg sync.WaitGroup
	wsWg.Add(2)
	go spamChat(&wsWg, issuer, url, userA, userB, msgs, st)
	go spamChat(&wsWg, issuer, url, userB, userA, msgs, st)
	wsWg.Wait()
}

func spamChat(wg *sync.WaitGroup, issuer *auth.JWTVerifier, url string, user, peer chat.Identity, msgs int, st *stats) {
	defer wg.Done()

	token, err := issuer.Issue(0, user, time.Hour)
	if err != nil {
		log.Printf("❌ Token Fail [%s]: %v", user, err)
		return
	}
	conn, _, err := websocket.DefaultDialer.Dial(url+"?token="+token, nil)
	if err != nil {
		log.Printf("❌ WS Connect Fail [%s]: %v", user, err)
		return
	}
	defer conn.Close()

	// Writes come from the sender loop and the reader's acks.
	var writeMu sync.Mutex
	send := func(f ws.ClientFrame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(f)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		results, received := 0, 0
		for results < msgs || received < msgs {
			_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
			var f ws.ServerFrame
			if err := conn.ReadJSON(&f); err != nil {
				log.Printf("⚠️ Read stopped [%s]: %v", user, err)
				return
			}
			switch f.Type {
			case "submitResult":
				results++
				if f.Receipt != nil && f.Receipt.Status != chat.StatusQueued {
					st.accepted.Add(1)
				}
			case "messageReceived", "redeliveryNotice":
				received++
				st.received.Add(1)
				if err := send(ws.ClientFrame{Type: "ack", ConversationID: f.Message.ConversationID, Seq: f.Message.Seq}); err == nil {
					st.acked.Add(1)
				}
			case "error", "authError":
				log.Printf("❌ Server error [%s]: %s %s", user, f.Code, f.Reason)
				results++
			}
		}
	}()

	for i := 0; i < msgs; i++ {
		err := send(ws.ClientFrame{
			Type:      "message",
			RequestID: fmt.Sprintf("%s-%d", user, i),
			To:        []chat.Identity{peer},
			Content:   fmt.Sprintf("LoadTest Msg %d from %s", i, user),
		})
		if err != nil {
			log.Printf("❌ Send Fail [%s]: %v", user, err)
			break
		}
		st.sent.Add(1)
		// Small sleep to simulate a real network.
		time.Sleep(10 * time.Millisecond)
	}

	<-done
	_ = send(ws.ClientFrame{Type: "disconnect"})
}
