package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/ngoclp2000/VIChat/internal/model"
	"github.com/ngoclp2000/VIChat/internal/service/app"
	"github.com/ngoclp2000/VIChat/internal/utils/log"
)

var (
	addr   = flag.String("addr", "ws://localhost:9090/realtime", "realtime endpoint")
	token  = flag.String("token", "", "bearer token")
	conv   = flag.String("conv", "", "conversation id")
	outdir = flag.String("outbox", "", "outbox directory (empty = memory only)")
)

func main() {
	flag.Parse()
	logger, _ := zap.NewDevelopment()
	log.Init(logger)

	if *token == "" || *conv == "" {
		fmt.Fprintln(os.Stderr, "usage: client -token <jwt> -conv <conversation-id>")
		os.Exit(1)
	}

	client, err := app.New(app.Options{
		Endpoint:      *addr,
		Token:         *token,
		OutboxDir:     *outdir,
		AutoReconnect: true,
	})
	if err != nil {
		log.Fatal("init client failed", zap.Error(err))
	}
	client.Connect()

	handle := client.JoinRoom(*conv)
	go func() {
		for {
			select {
			case msg := <-handle.Messages():
				fmt.Printf("[%s] %s: %s\n", msg.SentAt.Format("15:04:05"), msg.SenderID, string(msg.Body.Ciphertext))
			case t := <-handle.Typing():
				if t.Typing && t.UserID != client.UserID() {
					fmt.Printf("... %s is typing\n", t.UserID)
				}
			case s := <-client.States():
				fmt.Printf("-- connection %s\n", s)
			case e := <-client.Errors():
				fmt.Printf("!! %s: %s\n", e.Code, e.Reason)
			}
		}
	}()

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			// the demo skips the e2e layer: the "ciphertext" is the raw line
			if _, err := handle.SendText(model.CipherEnvelope{Ciphertext: []byte(line)}, nil); err != nil {
				log.Error("send failed", zap.Error(err))
			}
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	<-done

	client.Disconnect()
}
