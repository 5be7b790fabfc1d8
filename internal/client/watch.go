package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tyemirov/clinicdesk/internal/records"
	"github.com/tyemirov/clinicdesk/internal/session"
)

const (
	streamEventReady  = "ready"
	streamEventChange = "change"
)

type streamEvent struct {
	name string
	data string
}

type watchHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (handle *watchHandle) Release() {
	handle.once.Do(func() {
		handle.cancel()
		<-handle.done
	})
}

// WatchDoctor streams changes of the subject's doctor row to handler until
// the returned subscription is released. The stream reconnects after
// failures; a reconnect is reported as an UPDATE so the caller refetches
// whatever it may have missed.
func (client *Client) WatchDoctor(subjectID string, handler func(records.Change)) session.Subscription {
	query := url.Values{}
	query.Set("table", records.TableDoctors)
	query.Set("row_id", subjectID)
	return client.Watch(query, func(change records.Change) {
		if change.RowID == "" {
			change.RowID = subjectID
		}
		handler(change)
	})
}

// WatchPrescriptions streams changes of the signed-in doctor's
// prescriptions. The handler also receives an UPDATE every time the stream
// connects, the first time included, so a follower can load its list once no
// change can be missed.
func (client *Client) WatchPrescriptions(handler func(records.Change)) session.Subscription {
	query := url.Values{}
	query.Set("table", records.TablePrescriptions)
	return client.watch(query, true, handler)
}

// Watch streams changes matching query (table, row_id) to handler.
func (client *Client) Watch(query url.Values, handler func(records.Change)) session.Subscription {
	return client.watch(query, false, handler)
}

func (client *Client) watch(query url.Values, announceFirstReady bool, handler func(records.Change)) session.Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	handle := &watchHandle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(handle.done)
		client.watchLoop(ctx, query, announceFirstReady, handler)
	}()
	return handle
}

func (client *Client) watchLoop(ctx context.Context, query url.Values, announceFirstReady bool, handler func(records.Change)) {
	table := query.Get("table")
	connected := false
	for {
		err := client.streamOnce(ctx, query, func(event streamEvent) {
			switch event.name {
			case streamEventReady:
				if connected || announceFirstReady {
					handler(records.Change{Table: table, Operation: records.OperationUpdate, RowID: query.Get("row_id"), At: client.now().UTC()})
				}
				connected = true
			case streamEventChange:
				var change records.Change
				if decodeErr := json.Unmarshal([]byte(event.data), &change); decodeErr != nil {
					client.logger.Warn("malformed change event",
						zap.String("code", "client.watch.decode_failed"),
						zap.Error(decodeErr))
					return
				}
				handler(change)
			}
		})
		if ctx.Err() != nil {
			return
		}
		client.logger.Debug("change stream interrupted",
			zap.String("code", "client.watch.reconnect"),
			zap.String("table", table),
			zap.Error(err))
		timer := time.NewTimer(client.reconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (client *Client) streamOnce(ctx context.Context, query url.Values, deliver func(streamEvent)) error {
	current, err := client.CurrentSession(ctx)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("client.watch: %w: not signed in", ErrUnauthorized)
	}
	request, err := client.newRequest(ctx, http.MethodGet, "/api/changes", query, nil, current.AccessToken)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", "text/event-stream")
	response, err := client.streamClient.Do(request)
	if err != nil {
		return fmt.Errorf("client.watch: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return decodeAPIError(response)
	}
	return readEvents(response.Body, deliver)
}

// readEvents parses a text/event-stream body until it ends.
func readEvents(body io.Reader, deliver func(streamEvent)) error {
	scanner := bufio.NewScanner(body)
	var current streamEvent
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if current.name != "" || len(data) > 0 {
				current.data = strings.Join(data, "\n")
				deliver(current)
			}
			current = streamEvent{}
			data = data[:0]
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			current.name = value
		case "data":
			data = append(data, value)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("client.watch.read: %w", err)
	}
	return errors.New("client.watch: stream closed")
}
