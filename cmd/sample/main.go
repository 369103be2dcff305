package main

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/iot-http-client/internal/utils"
	"github.com/benmeehan/iot-http-client/pkg/client"
	"github.com/benmeehan/iot-http-client/pkg/file"
	"github.com/benmeehan/iot-http-client/pkg/models"
	"github.com/benmeehan/iot-http-client/pkg/progress"
	"github.com/benmeehan/iot-http-client/pkg/request"
)

func main() {
	// Set up structured logging with JSON output
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	// Initialize file operations handler
	fileClient := file.NewFileService()

	// Load configuration from file
	config, err := utils.LoadConfig("configs/config.yaml", fileClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	conn := client.NewConnection(
		config.Broker.URL,
		config.TokenServer.URL,
		config.TokenServer.AppKey,
		config.TokenServer.AppSecret,
		config.Broker.OrgID,
		client.WithUseLark(config.Publish.UseLark),
		client.WithAutoUpload(config.Publish.AutoUpload),
		client.WithLogger(logger),
	)

	device := models.DeviceInfo{
		AssetID:    config.Device.AssetID,
		ProductKey: config.Device.ProductKey,
		DeviceKey:  config.Device.DeviceKey,
	}

	values := map[string]any{
		config.Sample.MeasurepointID: 25,
	}
	if config.Sample.AttachmentPath != "" {
		values[config.Sample.MeasurepointID] = file.NewAttachment(config.Sample.AttachmentPath)
	}

	req, err := request.NewMeasurepointPostRequestBuilder(fileClient).
		AddMeasurepoint(device, time.Now().UnixMilli(), values).
		Build()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build measurepoint request")
	}

	listener := progress.ListenerFunc(func(transferred, total int64) {
		logger.Debug().Int64("transferred", transferred).Int64("total", total).Msg("Publishing")
	})

	response, err := conn.Publish(context.Background(), req, listener)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to publish measurepoint")
	}

	if !response.IsSuccess() {
		logger.Error().
			Int("code", response.Code).
			Str("msg", response.Msg).
			Msg("Broker rejected measurepoint")
		return
	}

	logger.Info().Str("request_id", response.RequestID).Msg("Measurepoint published")
}
