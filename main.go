package main

import (
	"flag"
	"fmt"
	"log"
	"os"
)

func main() {
	var (
		mode       = flag.String("mode", "server", "运行模式: server, candidate")
		configPath = flag.String("config", "", "配置文件路径，为空时按目录搜索 interview-config.yaml")
		url        = flag.String("url", "ws://localhost:7880/rtc", "媒体房间数据通道地址")
		token      = flag.String("token", "", "候选人房间凭证，可通过 /api/v1/rooms/{room}/token 获取")
	)
	flag.Parse()

	switch *mode {
	case "server":
		if err := runServer(*configPath); err != nil {
			log.Fatalf("服务运行失败: %v", err)
		}
	case "candidate":
		if err := runCandidate(*url, *token, os.Stdin, os.Stdout); err != nil {
			log.Fatalf("候选人客户端失败: %v", err)
		}
	default:
		fmt.Printf("未知模式: %s\n", *mode)
		flag.Usage()
		os.Exit(1)
	}
}
