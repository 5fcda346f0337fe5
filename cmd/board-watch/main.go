package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	log "github.com/sirupsen/logrus"

	"boardsync"
	"boardsync/domain"
)

// board-watch opens a sync client against a board server, follows one
// project and logs every push and connection status change. It is the
// quickest way to watch a board converge from a terminal.
func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	url := os.Getenv("BOARD_URL")
	if url == "" {
		log.Fatal("missing BOARD_URL")
	}
	projectEnv := os.Getenv("PROJECT_ID")
	if projectEnv == "" {
		log.Fatal("missing PROJECT_ID")
	}
	projectID, err := strconv.ParseInt(projectEnv, 10, 64)
	if err != nil {
		log.Fatalf("invalid PROJECT_ID: %v", err)
	}

	client, err := boardsync.NewClient(boardsync.Config{
		URL:   url,
		Token: os.Getenv("BOARD_TOKEN"),
	})
	if err != nil {
		log.Fatalf("client: %v", err)
	}
	defer client.Close()

	for _, event := range []string{domain.EventConnectionStatus, domain.EventTaskUpdateFailed} {
		event := event
		client.Bus().Subscribe(event, func(payload []byte) {
			log.WithField("event", event).Info(string(payload))
		})
	}
	for _, entity := range []domain.EntityType{domain.EntityProject, domain.EntityTask, domain.EntityMember} {
		for _, event := range domain.EntityEvents(entity) {
			event := event
			client.Bus().Subscribe(event, func(payload []byte) {
				log.WithField("event", event).Info(string(payload))
			})
		}
	}

	ctx := context.Background()
	if err := client.Open(ctx); err != nil {
		log.Fatalf("open: %v", err)
	}

	view, err := client.ProjectView(ctx, projectID)
	if err != nil {
		log.Fatalf("project view: %v", err)
	}
	defer view.Close()
	log.Infof("following project %d: %d tasks, %d members", projectID, view.Tasks.Len(), view.Members.Len())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
}
