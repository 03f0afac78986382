package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"log"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/z-chat/backend/internal/config"
	"github.com/zhouzirui/z-chat/backend/internal/model/catalog"
	voicemodel "github.com/zhouzirui/z-chat/backend/internal/model/voice"
	"github.com/zhouzirui/z-chat/backend/internal/provider"
	"github.com/zhouzirui/z-chat/backend/internal/service/ai"
	"github.com/zhouzirui/z-chat/backend/internal/service/retry"
	"github.com/zhouzirui/z-chat/backend/internal/service/voice"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}

	mode := flag.String("mode", "chat", "测试模式: chat、advise 或 voice")
	modelID := flag.String("model", catalog.DefaultModelID, "模型 ID 或名称")
	message := flag.String("message", "", "chat 模式发送的文本；advise 模式作为原始提示词")
	imagePath := flag.String("image", "", "随消息发送的图片文件")
	stream := flag.Bool("stream", false, "chat 模式是否流式输出")
	errMsg := flag.String("error", "", "advise 模式的上游错误信息")
	audioPath := flag.String("audio", "", "voice 模式的输入音频文件")
	outputPath := flag.String("out", "", "voice 模式的回复音频输出路径 (默认 reply.<ext>)")
	timeout := flag.Duration("timeout", 90*time.Second, "请求超时时间")

	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	models := catalog.NewMemoryStore(catalog.Seed())
	dispatcher := newDispatcher(ctx, cfg)

	switch *mode {
	case "chat":
		runChat(ctx, dispatcher, models, *modelID, *message, *imagePath, *stream)
	case "advise":
		runAdvise(ctx, cfg, dispatcher, models, *modelID, *message, *errMsg, *imagePath != "")
	case "voice":
		runVoice(ctx, cfg, *audioPath, *outputPath)
	default:
		flag.Usage()
		log.Fatal("请通过 -mode=chat、-mode=advise 或 -mode=voice 指定测试模式")
	}
}

func newDispatcher(ctx context.Context, cfg *config.Config) *provider.Dispatcher {
	dispatcher := provider.NewDispatcher()
	if cfg.OpenRouter.Enabled() {
		openRouter, err := provider.NewOpenRouter(provider.OpenRouterConfig{
			APIKey:  cfg.OpenRouter.APIKey,
			BaseURL: cfg.OpenRouter.BaseURL,
			Referer: cfg.OpenRouter.Referer,
			Title:   cfg.OpenRouter.Title,
			Timeout: cfg.UpstreamTimeout,
		}, nil)
		if err != nil {
			log.Fatalf("OpenRouter 初始化失败: %v", err)
		}
		dispatcher.Register(openRouter)
	}
	if cfg.Gemini.Enabled() {
		gemini, err := provider.NewGemini(ctx, provider.GeminiConfig{APIKey: cfg.Gemini.APIKey, Timeout: cfg.UpstreamTimeout})
		if err != nil {
			log.Fatalf("Gemini 初始化失败: %v", err)
		}
		dispatcher.Register(gemini)
	}
	return dispatcher
}

func runChat(ctx context.Context, dispatcher *provider.Dispatcher, models catalog.Store, modelID, message, imagePath string, stream bool) {
	m, ok := models.Resolve(modelID)
	if !ok {
		log.Fatalf("未知模型: %s", modelID)
	}
	if strings.TrimSpace(message) == "" && imagePath == "" {
		log.Fatal("chat 模式需要通过 -message 或 -image 指定输入")
	}

	req := provider.Request{Model: m, Message: message}
	if imagePath != "" {
		req.Image = readImage(imagePath)
	}

	log.Printf("开始发送: model=%s provider=%s stream=%t", m.ID, m.Provider, stream)
	start := time.Now()

	var (
		reply string
		err   error
	)
	if stream {
		reply, err = dispatcher.DispatchStream(ctx, req, func(delta string) error {
			fmt.Print(delta)
			return nil
		})
		fmt.Println()
	} else {
		reply, err = dispatcher.Dispatch(ctx, req)
	}
	if err != nil {
		log.Fatalf("调用失败 (kind=%s): %v", provider.KindOf(err), err)
	}

	if !stream {
		fmt.Println(reply)
	}
	log.Printf("完成: 耗时=%s 字符数=%d", time.Since(start).Truncate(time.Millisecond), len(reply))
}

func runAdvise(ctx context.Context, cfg *config.Config, dispatcher *provider.Dispatcher, models catalog.Store, modelID, prompt, errMsg string, hasImage bool) {
	if strings.TrimSpace(errMsg) == "" {
		log.Fatal("advise 模式需要通过 -error 指定错误信息")
	}

	chatModel, err := ai.NewAdvisorModel(ctx, cfg, models, dispatcher)
	if err != nil {
		log.Printf("[WARN] 顾问模型不可用，使用启发式规则: %v", err)
	}
	advisor, err := retry.NewAdvisor(ctx, chatModel, retry.Config{Enabled: cfg.Retry.Enabled})
	if err != nil {
		log.Fatalf("顾问初始化失败: %v", err)
	}

	current := modelID
	if m, ok := models.Resolve(modelID); ok {
		current = m.ID
	}

	decision, err := advisor.Decide(ctx, retry.Input{
		ErrorMessage:   errMsg,
		OriginalPrompt: prompt,
		Models:         models.List(),
		CurrentModel:   current,
		HasImage:       hasImage,
	})
	if err != nil {
		log.Fatalf("决策失败: %v", err)
	}

	log.Printf("llm=%t shouldRetry=%t newModel=%q", advisor.LLMEnabled(), decision.ShouldRetry, decision.NewModel)
	if decision.UpdatedPrompt != "" {
		log.Printf("updatedPrompt=%q", decision.UpdatedPrompt)
	}
	log.Printf("reason=%s", decision.Reason)
}

func runVoice(ctx context.Context, cfg *config.Config, audioPath, outputPath string) {
	if !cfg.Voice.Enabled() {
		log.Fatal("语音服务未启用，请先配置 ELEVENLABS_API_KEY 与 ELEVENLABS_AGENT_ID")
	}
	if audioPath == "" {
		log.Fatal("voice 模式需要通过 -audio 指定音频文件路径")
	}

	audio, err := os.ReadFile(audioPath)
	if err != nil {
		log.Fatalf("读取音频文件失败: %v", err)
	}

	svc := voice.NewService(voicemodel.Config{
		APIKey:      cfg.Voice.APIKey,
		AgentID:     cfg.Voice.AgentID,
		URL:         cfg.Voice.URL,
		LLMModel:    cfg.Voice.LLMModel,
		Timeout:     cfg.Voice.Timeout,
		IdleTimeout: cfg.Voice.IdleTimeout,
	})

	log.Printf("开始语音对话: bytes=%d", len(audio))
	resp, err := svc.Converse(ctx, audio, mime.TypeByExtension(filepath.Ext(audioPath)))
	if err != nil {
		log.Fatalf("%s", voice.ErrorMessage(err))
	}

	log.Printf("conversation=%s transcript=%q", resp.ConversationID, resp.Transcript)
	log.Printf("agentResponse=%q", resp.AgentResponse)

	mimeType, data, err := decodeDataURL(resp.Audio)
	if err != nil {
		log.Fatalf("解析回复音频失败: %v", err)
	}
	if outputPath == "" {
		outputPath = "reply." + extensionFor(mimeType)
	}
	if err := os.WriteFile(outputPath, data, 0o644); err != nil {
		log.Fatalf("写入输出文件失败: %v", err)
	}
	log.Printf("回复音频已写入 %s (%s, %d bytes)", outputPath, mimeType, len(data))
}

func readImage(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("读取图片失败: %v", err)
	}
	if len(data) > provider.MaxImageBytes {
		log.Fatalf("图片超过 %d 字节", provider.MaxImageBytes)
	}
	return "data:" + http.DetectContentType(data) + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func decodeDataURL(url string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(url, "data:")
	if !ok {
		return "", nil, fmt.Errorf("not a data URL")
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("data URL has no payload")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, err
	}
	return strings.TrimSuffix(header, ";base64"), data, nil
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "audio/mpeg":
		return "mp3"
	case "audio/wav":
		return "wav"
	case "audio/basic":
		return "ulaw"
	default:
		return "bin"
	}
}
