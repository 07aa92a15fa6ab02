package blkmap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/go-hclog"
	"github.com/nats-io/nats.go"
)

// NATSConnector lets a registry be driven remotely. Console commands arrive on
// blkmap.<id>.control, registry events are published on blkmap.<id>.events
// and periodic stats on blkmap.<id>.stats.
type NATSConnector struct {
	log  hclog.Logger
	mu   sync.Locker
	reg  *Registry
	id   string
	conn *nats.Conn

	out bytes.Buffer
	con *Console

	controlSub *nats.Subscription
}

func NewNATSConnector(log hclog.Logger, mu sync.Locker, reg *Registry, url, id string) (*NATSConnector, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}

	return newNATSConnector(log, mu, reg, conn, id), nil
}

func newNATSConnector(log hclog.Logger, mu sync.Locker, reg *Registry, conn *nats.Conn, id string) *NATSConnector {
	nc := &NATSConnector{
		log:  log.Named("nats"),
		mu:   mu,
		reg:  reg,
		id:   id,
		conn: conn,
	}

	nc.con = NewConsole(log, reg, &nc.out)

	return nc
}

func (n *NATSConnector) Start(ctx context.Context) error {
	if err := n.startControllerInput(ctx); err != nil {
		return err
	}

	go n.startPeriodic(ctx, 1*time.Minute)

	return nil
}

func (n *NATSConnector) Close() {
	if n.controlSub != nil {
		n.controlSub.Unsubscribe()
	}

	if n.conn != nil {
		n.conn.Close()
	}
}

func (n *NATSConnector) startPeriodic(ctx context.Context, dur time.Duration) {
	ticker := time.NewTicker(dur)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := n.publishStats()
			if err != nil {
				n.log.Error("error publishing periodic stats", "error", err)
			}
		}
	}
}

func (n *NATSConnector) subj(which string) string {
	return fmt.Sprintf("blkmap.%s.%s", n.id, which)
}

type StatsMessage struct {
	Id             string    `json:"id" cbor:"10,keyasint"`
	PublishTime    time.Time `json:"published_at" cbor:"1,keyasint"`
	Devices        int64     `json:"devices" cbor:"2,keyasint"`
	Slices         int64     `json:"slices" cbor:"3,keyasint"`
	BlocksRead     int64     `json:"blocks_read" cbor:"4,keyasint"`
	BlocksWritten  int64     `json:"blocks_written" cbor:"5,keyasint"`
	ShortTransfers int64     `json:"short_transfers" cbor:"6,keyasint"`
}

func (n *NATSConnector) stats() *StatsMessage {
	return &StatsMessage{
		Id:             n.id,
		PublishTime:    time.Now(),
		Devices:        gaugeValue(liveDevices),
		Slices:         gaugeValue(liveSlices),
		BlocksRead:     counterValue(blocksRead),
		BlocksWritten:  counterValue(blocksWritten),
		ShortTransfers: counterValue(shortTransfers),
	}
}

func (n *NATSConnector) publishStats() error {
	data, err := json.Marshal(n.stats())
	if err != nil {
		return err
	}

	return n.conn.Publish(n.subj("stats"), data)
}

// PublishEvent sends ev on the events subject. It is meant to be installed as
// the registry event hook.
func (n *NATSConnector) PublishEvent(ev Event) {
	if err := n.publish(n.subj("events"), ev); err != nil {
		n.log.Error("error publishing event", "error", err, "kind", ev.Kind)
	}
}

func (n *NATSConnector) publish(subject string, value any) error {
	data, err := cbor.Marshal(value)
	if err != nil {
		return err
	}

	return n.conn.Publish(subject, data)
}

type ControlMessage struct {
	Command string `json:"command"`
}

type ControlReply struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// handleControl runs one encoded control message and returns the encoded
// reply.
func (n *NATSConnector) handleControl(data []byte) []byte {
	var (
		cm  ControlMessage
		rep ControlReply
	)

	if err := json.Unmarshal(data, &cm); err != nil {
		n.log.Error("error decoding control message", "error", err)
		rep.Error = err.Error()
	} else {
		n.log.Debug("received control message via NATS", "command", cm.Command)

		n.mu.Lock()
		n.out.Reset()
		err := n.con.Exec(cm.Command)
		rep.Output = n.out.String()
		n.mu.Unlock()

		if err != nil {
			rep.Error = err.Error()
		}
	}

	out, err := json.Marshal(&rep)
	if err != nil {
		n.log.Error("error encoding control reply", "error", err)
		return nil
	}

	return out
}

func (n *NATSConnector) startControllerInput(ctx context.Context) error {
	sub, err := n.conn.Subscribe(n.subj("control"), func(msg *nats.Msg) {
		rep := n.handleControl(msg.Data)

		if msg.Reply == "" || rep == nil {
			return
		}

		if err := msg.Respond(rep); err != nil {
			n.log.Error("error replying to control message", "error", err)
		}
	})
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()

	n.controlSub = sub

	return nil
}
