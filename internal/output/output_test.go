package output

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"charity/internal/config"
	"charity/pkg/models"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func sampleEvent() *models.Event {
	donor := common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	return &models.Event{
		Sequence:    3,
		Type:        models.EventDonationReceived,
		Index:       2,
		BlockNumber: 40,
		Timestamp:   time.Unix(1700000000, 0),
		Donor:       &donor,
		Amount:      big.NewInt(25),
	}
}

func sampleCampaign() *models.Campaign {
	return &models.Campaign{
		Index:     2,
		Owner:     common.HexToAddress("0x0000000000000000000000000000000000000001"),
		Receiver:  common.HexToAddress("0x0000000000000000000000000000000000000b0b"),
		TargetSum: big.NewInt(100),
		Balance:   big.NewInt(25),
		Goal:      "water well",
		Status:    models.StatusInProgress,
	}
}

func readLines(t *testing.T, pattern string) []string {
	matches, err := filepath.Glob(pattern)
	require.NoError(t, err)
	require.Len(t, matches, 1)

	f, err := os.Open(matches[0])
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestNew_Formats(t *testing.T) {
	out, err := New(&config.OutputConfig{Format: "none"}, quietLogger())
	require.NoError(t, err)
	assert.IsType(t, NopOutput{}, out)

	out, err = New(nil, quietLogger())
	require.NoError(t, err)
	assert.IsType(t, NopOutput{}, out)

	out, err = New(&config.OutputConfig{Format: "json", Directory: t.TempDir()}, quietLogger())
	require.NoError(t, err)
	assert.IsType(t, &FileOutput{}, out)
	require.NoError(t, out.Close())

	_, err = New(&config.OutputConfig{Format: "kafka"}, quietLogger())
	assert.Error(t, err)

	_, err = New(&config.OutputConfig{Format: "csv"}, quietLogger())
	assert.Error(t, err)
}

func TestFileOutput_WritesJSONLines(t *testing.T) {
	dir := t.TempDir()
	out, err := NewFileOutput(dir, quietLogger())
	require.NoError(t, err)

	require.NoError(t, out.WriteEvent(sampleEvent()))
	require.NoError(t, out.WriteEvent(nil))
	require.NoError(t, out.WriteCampaign(sampleCampaign()))
	require.NoError(t, out.Close())

	events := readLines(t, filepath.Join(dir, "events_*.jsonl"))
	require.Len(t, events, 1)
	var ev models.Event
	require.NoError(t, json.Unmarshal([]byte(events[0]), &ev))
	assert.Equal(t, models.EventDonationReceived, ev.Type)
	assert.Equal(t, "25", ev.Amount.String())

	campaigns := readLines(t, filepath.Join(dir, "campaigns_*.jsonl"))
	require.Len(t, campaigns, 1)
	assert.Contains(t, campaigns[0], "water well")
}

func TestKafkaOutput_KeysByCampaignIndex(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "events-topic" {
			return errors.New("unexpected topic " + msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "2" {
			return errors.New("unexpected key " + string(key))
		}
		return nil
	})
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var payload map[string]interface{}
		if err := json.Unmarshal(val, &payload); err != nil {
			return err
		}
		if payload["status"] != models.StatusInProgress.String() {
			return errors.New("missing status")
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	out := NewKafkaOutputWithProducer(producer, map[string]string{"events": "events-topic"}, quietLogger())

	require.NoError(t, out.WriteEvent(sampleEvent()))
	require.NoError(t, out.WriteCampaign(sampleCampaign()))
	assert.Error(t, out.WriteEvent(sampleEvent()))
	require.NoError(t, out.Close())
}

func TestAsyncKafkaOutput_CountsDeliveries(t *testing.T) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewAsyncProducer(t, cfg)
	producer.ExpectInputAndSucceed()
	producer.ExpectInputAndSucceed()
	producer.ExpectInputAndFail(sarama.ErrOutOfBrokers)

	out := NewAsyncKafkaOutputWithProducer(producer, nil, quietLogger())

	require.NoError(t, out.WriteEvent(sampleEvent()))
	require.NoError(t, out.WriteCampaign(sampleCampaign()))
	require.NoError(t, out.WriteEvent(sampleEvent()))
	require.NoError(t, out.Close())

	sent, failed := out.GetStats()
	assert.Equal(t, int64(2), sent)
	assert.Equal(t, int64(1), failed)

	// 关闭后拒绝写入
	assert.Error(t, out.WriteEvent(sampleEvent()))
	assert.NoError(t, out.Close())
}
