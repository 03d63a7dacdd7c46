// Command hubtail signs in to a gallery API and prints the events of one hub
// until interrupted.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
)

func main() {
	log.SetFlags(0)
	var (
		addr     = flag.String("addr", "http://localhost:8080", "API base URL")
		email    = flag.String("email", os.Getenv("GALLERY_EMAIL"), "Sign-in email")
		password = flag.String("password", os.Getenv("GALLERY_PASSWORD"), "Sign-in password")
		hubName  = flag.String("hub", "main", "Hub to tail: main or notifications")
		exhibits = flag.StringSlice("exhibit", nil, "Exhibit ids to join on the main hub")
	)
	flag.Parse()
	if *email == "" || *password == "" {
		log.Fatal("missing credentials: provide --email/--password or GALLERY_EMAIL/GALLERY_PASSWORD")
	}
	base := strings.TrimRight(*addr, "/")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loginCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	token, err := login(loginCtx, base, *email, *password)
	cancel()
	if err != nil {
		log.Fatalf("sign in: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/hubs/"+url.PathEscape(*hubName), nil)
	if err != nil {
		log.Fatalf("request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("connect %s hub: %v", *hubName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		log.Fatalf("connect %s hub: %s: %s", *hubName, resp.Status, bytes.TrimSpace(body))
	}

	var event string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			fmt.Printf("%s %s %s\n", time.Now().Format(time.TimeOnly), event, data)
			if event == "Connected" && *hubName == "main" {
				joinExhibits(ctx, base, token, data, *exhibits)
			}
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		log.Fatalf("stream: %v", err)
	}
}

func login(ctx context.Context, base, email, password string) (string, error) {
	payload, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/auth/token", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %s", resp.Status)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Token, nil
}

// joinExhibits subscribes the new connection, whose id is the single
// argument of the Connected event, to each exhibit.
func joinExhibits(ctx context.Context, base, token, data string, exhibits []string) {
	var args []string
	if err := json.Unmarshal([]byte(data), &args); err != nil || len(args) != 1 {
		log.Printf("unexpected Connected payload %s", data)
		return
	}
	for _, id := range exhibits {
		path := fmt.Sprintf("%s/hubs/main/%s/exhibits/%s/join", base, url.PathEscape(args[0]), url.PathEscape(id))
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, nil)
		if err != nil {
			log.Printf("join %s: %v", id, err)
			continue
		}
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			log.Printf("join %s: %v", id, err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			log.Printf("join %s: %s", id, resp.Status)
			continue
		}
		log.Printf("joined exhibit %s", id)
	}
}
