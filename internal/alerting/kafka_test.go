package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"ledger-signals/internal/aggregate"
)

func newMockSink(t *testing.T) (*KafkaSink, *mocks.SyncProducer) {
	t.Helper()
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)
	sink := NewKafkaSinkWithProducer(producer, "ledger-events")
	sink.now = func() time.Time { return time.UnixMilli(1717232400000) }
	return sink, producer
}

func TestKafkaSinkPublishesEventEnvelope(t *testing.T) {
	sink, producer := newMockSink(t)
	defer sink.Close()

	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var env Envelope
		if err := json.Unmarshal(val, &env); err != nil {
			return err
		}
		if env.Type != KindEvent || env.TS != 1717232400000 {
			return errors.New("信封头不正确")
		}
		var payload EventPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return err
		}
		if payload.Address != "watched" || payload.Signature != "5sig" || payload.Index != 2 {
			return errors.New("事件主键不正确")
		}
		if payload.Amount.String() != "1.5" {
			return errors.New("金额不正确")
		}
		return nil
	})

	if err := sink.HandleEvent(context.Background(), "watched", sampleEvent()); err != nil {
		t.Fatalf("发送事件失败: %v", err)
	}
}

func TestKafkaSinkPublishesAnomaly(t *testing.T) {
	sink, producer := newMockSink(t)
	defer sink.Close()

	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var env Envelope
		if err := json.Unmarshal(val, &env); err != nil {
			return err
		}
		var payload map[string]any
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return err
		}
		if env.Type != KindAnomaly || payload["metric"] != "fee" || payload["address"] != "watched" {
			return errors.New("异常载荷不正确")
		}
		return nil
	})

	note := Notification{Kind: KindAnomaly, Address: "watched", Anomaly: &aggregate.Anomaly{Metric: "fee", Value: 9, Score: 3.2}}
	if err := sink.Notify(context.Background(), note); err != nil {
		t.Fatalf("发送异常失败: %v", err)
	}
}

func TestKafkaSinkErrors(t *testing.T) {
	sink, producer := newMockSink(t)
	defer sink.Close()

	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	if err := sink.HandleEvent(context.Background(), "watched", sampleEvent()); !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Fatalf("期望 broker 错误, 实际 %v", err)
	}

	if err := sink.Notify(context.Background(), Notification{}); err == nil {
		t.Fatal("空通知应报错")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sink.HandleEvent(ctx, "watched", sampleEvent()); !errors.Is(err, context.Canceled) {
		t.Fatalf("取消的 ctx 应直接返回, 实际 %v", err)
	}
}

func TestNewKafkaSinkValidates(t *testing.T) {
	if _, err := NewKafkaSink(nil, "topic", nil); err == nil {
		t.Fatal("无 broker 应报错")
	}
	if _, err := NewKafkaSink([]string{"localhost:9092"}, "", nil); err == nil {
		t.Fatal("空 topic 应报错")
	}
}

type failingNotifier struct{ calls int }

func (f *failingNotifier) Notify(context.Context, Notification) error {
	f.calls++
	return errors.New("telegram down")
}

func TestFanoutDeliversActivityPastFailingChannel(t *testing.T) {
	sink, producer := newMockSink(t)
	defer sink.Close()

	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var env Envelope
		if err := json.Unmarshal(val, &env); err != nil {
			return err
		}
		var payload map[string]any
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return err
		}
		if env.Type != KindActivity || payload["level"] != aggregate.LevelCritical || payload["address"] != "watched" {
			return errors.New("活跃度载荷不正确")
		}
		return nil
	})

	broken := &failingNotifier{}
	act := aggregate.Activity{Transfers: 3, Level: aggregate.LevelCritical, Message: "High transfer volume detected"}
	err := Fanout{broken, sink}.Notify(context.Background(), ActivityNotification("watched", act))

	if err == nil || broken.calls != 1 {
		t.Fatalf("应返回失败通道的错误, err=%v calls=%d", err, broken.calls)
	}
}
