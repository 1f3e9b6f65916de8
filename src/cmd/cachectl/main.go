// cachectl is a minimal standalone driver for the build cache. The real
// consumer is a build tool that wraps its step executions in the engine's
// hooks; cachectl stands in for it so a single module can be fingerprinted,
// looked up, "built", and cached from the command line.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/thought-machine/go-flags"
	"gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/buildcache/src/cacheerr"
	"github.com/thought-machine/buildcache/src/core"
	"github.com/thought-machine/buildcache/src/engine"
	"github.com/thought-machine/buildcache/src/hashes"
	"github.com/thought-machine/buildcache/src/report"
	"github.com/thought-machine/buildcache/src/repository"
)

var log = logging.MustGetLogger("cachectl")

var opts = struct {
	Verbosity int    `short:"v" long:"verbosity" description:"Logging verbosity, 0-3" default:"1"`
	Root      string `short:"r" long:"root" description:"Multimodule root directory" default:"."`
	Module    string `short:"m" long:"module" description:"Module directory, relative to the root" default:"."`
	Output    string `short:"o" long:"output" description:"Directory artifacts are produced into / restored to" default:"build-output"`
	Group     string `short:"g" long:"group" description:"Module groupId" default:"org.example"`
	Artifact  string `short:"a" long:"artifact" description:"Module artifactId" default:"module"`
	Version   string `long:"module-version" description:"Module version" default:"1.0"`

	Properties map[string]string `short:"D" long:"property" description:"Cache properties, e.g. -D remote.cache.enabled:false"`
}{}

func main() {
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}
	initLogging(opts.Verbosity)
	if err := run(); err != nil {
		log.Error("%s", err)
		os.Exit(1)
	}
}

func run() error {
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return err
	}
	eng, state, err := engine.Initialize(engine.Session{
		MultimoduleRoot: root,
		Properties:      opts.Properties,
	})
	if err != nil {
		if kind, ok := cacheerr.KindOf(err); ok && kind == cacheerr.CacheDisabled {
			log.Notice("Cache disabled, nothing to do")
			return nil
		}
		return err
	}
	log.Debug("Cache state: %v", state)

	id := core.ModuleId{Group: opts.Group, Artifact: opts.Artifact, Version: opts.Version}
	moduleRoot := filepath.Join(root, opts.Module)
	outputDir := filepath.Join(root, opts.Output)
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	ctx := context.Background()
	mb, err := eng.BeginModule(ctx, engine.ModuleRequest{
		ID:                  id,
		Root:                moduleRoot,
		TargetDir:           outputDir,
		EffectiveDescriptor: descriptorFor(id),
	})
	if err != nil {
		return err
	}
	if mb.Hit() {
		log.Notice("%s: cache hit (%s), artifacts restored to %s", id, mb.Fingerprint(), outputDir)
	} else {
		log.Notice("%s: cache miss, building", id)
	}

	artifactName := fmt.Sprintf("%s-%s.txt", id.Artifact, id.Version)
	var produced []repository.ProducedArtifact
	step := core.StepExecutionRecord{
		PluginID:    core.ModuleId{Group: "org.example", Artifact: "concat-plugin", Version: "1.0"},
		ExecutionID: "default",
		Goal:        "package",
	}
	_, err = mb.AroundStep(step, func() (map[string]string, error) {
		artifact, err := concatenateSources(moduleRoot, filepath.Join(outputDir, artifactName))
		if err != nil {
			return nil, err
		}
		produced = append(produced, artifact)
		return map[string]string{"artifact": artifactName}, nil
	})
	if err != nil {
		return err
	}
	if err := mb.Complete(ctx, true, produced); err != nil {
		return err
	}
	log.Notice("%s: finished in state %s", id, mb.State())
	return eng.OnBuildComplete(report.NewBuildID())
}

// concatenateSources is the demo's stand-in for a real build step: it folds
// every regular file under the module root into one output artifact.
func concatenateSources(moduleRoot, target string) (repository.ProducedArtifact, error) {
	var paths []string
	err := filepath.Walk(moduleRoot, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		paths = append(paths, p)
		return nil
	})
	if err != nil {
		return repository.ProducedArtifact{}, err
	}
	sort.Strings(paths)

	var content []byte
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return repository.ProducedArtifact{}, err
		}
		content = append(content, data...)
	}
	if err := os.WriteFile(target, content, 0644); err != nil {
		return repository.ProducedArtifact{}, err
	}
	digest, err := hashes.Hash(hashes.SHA256, content)
	if err != nil {
		return repository.ProducedArtifact{}, err
	}
	return repository.ProducedArtifact{
		Entry: core.ArtifactEntry{
			Filename:      filepath.Base(target),
			Extension:     "txt",
			ContentDigest: digest,
			SizeBytes:     int64(len(content)),
		},
		LocalPath: target,
	}, nil
}

func descriptorFor(id core.ModuleId) []byte {
	return []byte(fmt.Sprintf("<project><groupId>%s</groupId><artifactId>%s</artifactId><version>%s</version></project>",
		id.Group, id.Artifact, id.Version))
}

func initLogging(verbosity int) {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatted := logging.NewBackendFormatter(backend,
		logging.MustStringFormatter("%{color}%{level:7s}%{color:reset} %{message}"))
	levelled := logging.AddModuleLevel(formatted)
	switch verbosity {
	case 0:
		levelled.SetLevel(logging.ERROR, "")
	case 1:
		levelled.SetLevel(logging.NOTICE, "")
	case 2:
		levelled.SetLevel(logging.INFO, "")
	default:
		levelled.SetLevel(logging.DEBUG, "")
	}
	logging.SetBackend(levelled)
}
