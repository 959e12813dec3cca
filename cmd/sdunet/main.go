// sdunet builds the latent-diffusion noise-prediction UNet, reports its
// parameter count and memory footprint, and optionally loads a safetensors
// checkpoint and times forward steps.
//
// Examples:
//
//	sdunet                         # Summary of the default (SD 1.x) model.
//	sdunet -steps=3                # Also time 3 noise predictions.
//	sdunet -checkpoint=unet.safetensors -steps=1
package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"

	"github.com/gomlx/latentdiffusion/unet"
	"github.com/gomlx/latentdiffusion/weights"
)

var (
	flagBatchSize  = flag.Int("batch", 1, "Batch size of the forward step.")
	flagLatentSize = flag.Int("size", 64, "Height and width of the latent maps.")
	flagTokens     = flag.Int("tokens", 77, "Number of conditioning tokens.")
	flagBase       = flag.Int("base_channels", 320, "Channels of the outermost stage.")
	flagHeads      = flag.Int("heads", 8, "Attention heads.")
	flagFused      = flag.Bool("fused", false, "Use the fused attention code path.")
	flagLoRA       = flag.Bool("lora", false, "Attach low-rank adapters to the attention projections.")
	flagLoRARank   = flag.Int("lora_rank", 4, "Rank of the low-rank adapters.")
	flagCheckpoint = flag.String("checkpoint", "", "Optional safetensors file to load the parameters from.")
	flagSteps      = flag.Int("steps", 0, "Number of timed noise-prediction steps to run; 0 only builds the model.")
)

func main() {
	flag.Parse()

	config := unet.NewConfig()
	config.BaseChannels = *flagBase
	config.NumHeads = *flagHeads
	config.UseLoRA = *flagLoRA
	config.LoRARank = *flagLoRARank

	backend := backends.MustNew()
	ctx := context.New()
	model := unet.New(ctx.In("model"), config)
	model.SetFusedAttention(*flagFused)

	// Build one graph upfront: it creates all the variables, so the summary
	// works without executing and a checkpoint has something to bind to.
	buildGraph := NewGraph(backend, "build")
	model.PredictNoise(
		Zeros(buildGraph, shapes.Make(config.DType, *flagBatchSize, config.InputChannels, *flagLatentSize, *flagLatentSize)),
		Zeros(buildGraph, shapes.Make(dtypes.Int32, *flagBatchSize)),
		Zeros(buildGraph, shapes.Make(config.DType, *flagBatchSize, *flagTokens, config.CondDim)))

	if *flagCheckpoint != "" {
		params := must.M1(weights.ReadSafetensors(*flagCheckpoint))
		must.M(weights.LoadInto(ctx, params))
		klog.Infof("loaded checkpoint %s", *flagCheckpoint)
	}

	exec := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		latent := ctx.RandomNormal(g, shapes.Make(config.DType,
			*flagBatchSize, config.InputChannels, *flagLatentSize, *flagLatentSize))
		timesteps := Const(g, make([]int32, *flagBatchSize))
		cond := ctx.RandomNormal(g, shapes.Make(config.DType, *flagBatchSize, *flagTokens, config.CondDim))
		return model.PredictNoise(latent, timesteps, cond)
	})

	for step := 0; step < *flagSteps; step++ {
		start := time.Now()
		prediction := exec.Call()[0]
		fmt.Printf("step %d: %s in %s\n", step, prediction.Shape(), time.Since(start))
	}

	fmt.Printf("Backend:         \t%s (%s)\n", backend.Name(), backend.Description())
	fmt.Printf("Model parameters:\t%s\n", humanize.Comma(int64(ctx.NumParameters())))
	fmt.Printf("Model memory:    \t%s\n", data.ByteCountIEC(ctx.Memory()))
}
