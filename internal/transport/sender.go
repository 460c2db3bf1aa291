package transport

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/message"
)

// Sender applies the send limit to direct and forward sends.
type Sender struct {
	Limiter *Limiter
}

func NewSender(limiter *Limiter) *Sender {
	if limiter == nil {
		limiter = NewLimiter(0, 0)
	}
	return &Sender{Limiter: limiter}
}

func (s *Sender) Send(ctx context.Context, bot Transport, session Session, target Target, msg message.Message) (*message.Receipt, error) {
	var receipt *message.Receipt
	err := s.Limiter.Send(session.Key(), func() error {
		var err error
		receipt, err = bot.Send(ctx, target, msg)
		return err
	})
	return receipt, err
}

// SendForward assembles items into nodes and sends them as one bundle,
// counted once.
func (s *Sender) SendForward(ctx context.Context, bot Transport, session Session, target Target, items []any) (*message.Receipt, error) {
	nodes, err := BuildForward(ctx, bot.SelfID(), items)
	if err != nil {
		return nil, err
	}
	var receipt *message.Receipt
	err = s.Limiter.Send(session.Key(), func() error {
		var err error
		if fs, ok := bot.(ForwardSender); ok {
			receipt, err = fs.SendForward(ctx, target, nodes)
			return err
		}
		receipt, err = bot.Send(ctx, target, flatten(nodes))
		return err
	})
	return receipt, err
}

// SendRaw bypasses the limiter. Used for bot-originated replies.
func (s *Sender) SendRaw(ctx context.Context, bot Transport, target Target, msg message.Message) (*message.Receipt, error) {
	return bot.Send(ctx, target, msg)
}

// BuildForward converts items to forward nodes concurrently, keeping order.
func BuildForward(ctx context.Context, selfID string, items []any) ([]message.ForwardNode, error) {
	nodes := make([]message.ForwardNode, len(items))
	g, _ := errgroup.WithContext(ctx)
	for i, item := range items {
		g.Go(func() error {
			node, err := message.Node(selfID, item)
			if err != nil {
				return err
			}
			nodes[i] = node
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return nodes, nil
}

func flatten(nodes []message.ForwardNode) message.Message {
	var out message.Message
	for i, node := range nodes {
		if i > 0 {
			out = append(out, message.Text("\n"))
		}
		out = append(out, node.Content...)
	}
	return out
}
