package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/viper"
	"github.com/tarm/serial"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/openmicro/scopehub"
	"github.com/openmicro/scopehub/internal/framering"
	"github.com/openmicro/scopehub/internal/sessiondb"
	"github.com/openmicro/scopehub/newport"
)

var githash = "githash not computed"
var gitdate = "git date not computed"
var buildDate = "build date not computed"

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		if err2 := os.MkdirAll(dir, 0775); err2 != nil {
			return "", err2
		}
	}

	fullname := path.Join(dir, filename)
	_, err := os.Stat(fullname)
	if os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper sets up the viper configuration manager: says where to find
// config files and the filename and suffix. Sets some defaults.
func setupViper() error {
	viper.SetDefault("Verbose", false)
	viper.SetDefault("camera.width", scopehub.DefaultCameraConfig.Width)
	viper.SetDefault("camera.height", scopehub.DefaultCameraConfig.Height)
	viper.SetDefault("camera.bytesperpixel", scopehub.DefaultCameraConfig.BytesPerPixel)
	viper.SetDefault("camera.nchan", scopehub.DefaultCameraConfig.Nchan)
	viper.SetDefault("camera.exposurems", scopehub.DefaultCameraConfig.ExposureMs)
	viper.SetDefault("ring.capacity", 64)
	viper.SetDefault("stage.baud", 19200)
	viper.SetDefault("stage.address", 1)

	HOME, err := os.UserHomeDir()
	if err != nil {
		fmt.Printf("Error finding User Home Dir: %s\n", err)
	}
	dotScopehub := filepath.Join(HOME, ".scopehub")
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotScopehub, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(filepath.FromSlash("/etc/scopehub"))
	viper.AddConfigPath(dotScopehub)
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %s", err)
	}
	return nil
}

func startLogger(pfname string) *log.Logger {
	probFile, err := os.OpenFile(pfname, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		msg := fmt.Sprintf("Could not open log file '%s'", pfname)
		panic(msg)
	}
	probLogger := log.New(probFile, "", log.LstdFlags)
	probLogger.SetOutput(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	})
	return probLogger
}

// attachStage opens the serial port named in the configuration and wraps it
// in a ZStage. Returns nil when no stage is configured.
func attachStage() *newport.ZStage {
	portName := viper.GetString("stage.port")
	if portName == "" {
		fmt.Println("No stage.port configured; running without a Z stage")
		return nil
	}
	port, err := serial.OpenPort(&serial.Config{
		Name: portName,
		Baud: viper.GetInt("stage.baud"),
	})
	if err != nil {
		scopehub.ProblemLogger.Printf("could not open stage port %s: %v", portName, err)
		return nil
	}
	stage := newport.NewZStage(port, newport.Config{
		Address: viper.GetInt("stage.address"),
	})
	if err := stage.Initialize(); err != nil {
		scopehub.ProblemLogger.Printf("could not initialize stage on %s: %v", portName, err)
		return nil
	}
	fmt.Printf("Attached %s on %s\n", newport.StageName, portName)
	return stage
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1) // workaround for Make problems
	scopehub.Build.Date = buildDate
	scopehub.Build.Githash = githash
	scopehub.Build.Gitdate = gitdate
	scopehub.Build.Summary = fmt.Sprintf("SCOPEHUB version %s (git commit %s of %s)", scopehub.Build.Version, githash, gitdate)
	if host, err := os.Hostname(); err == nil {
		scopehub.Build.Host = host
	} else {
		scopehub.Build.Host = "host not detected"
	}

	printVersion := flag.Bool("version", false, "print version and quit")
	cpuprofile := flag.String("cpuprofile", "", "write CPU profile to given file")
	memprofile := flag.String("memprofile", "", "write memory profile to given file")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is SCOPEHUB version %s\n", scopehub.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		fmt.Printf("Running on %d CPUs.\n", runtime.NumCPU())
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is SCOPEHUB version %s (git commit %s)\n", scopehub.Build.Version, githash)
	fmt.Print(banner)

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	// Start logging problems and updates to 2 log files.
	HOME, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	logdir := filepath.Join(HOME, ".scopehub", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	scopehub.ProblemLogger = startLogger(problemname)
	scopehub.UpdateLogger = startLogger(logname)
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging client updates to %s\n\n", logname)
	scopehub.UpdateLogger.Printf("\n\n\n\n%s", banner)

	// Find config file, creating it if needed, and read it.
	if err := setupViper(); err != nil {
		panic(err)
	}

	ring, err := framering.NewRing(viper.GetInt("ring.capacity"))
	if err != nil {
		panic(err)
	}
	camera, err := scopehub.NewFakeCamera(scopehub.CameraConfig{
		Width:         viper.GetInt("camera.width"),
		Height:        viper.GetInt("camera.height"),
		BytesPerPixel: viper.GetInt("camera.bytesperpixel"),
		Nchan:         viper.GetInt("camera.nchan"),
		ExposureMs:    viper.GetFloat64("camera.exposurems"),
	}, ring)
	if err != nil {
		panic(err)
	}
	if err := camera.Initialize(); err != nil {
		panic(err)
	}
	stage := attachStage()

	abort := make(chan struct{})
	activity := &sessiondb.ActivityMessage{
		ID:        ulid.Make().String(),
		Hostname:  scopehub.Build.Host,
		Githash:   githash,
		Version:   scopehub.Build.Version,
		GoVersion: runtime.Version(),
		CPUs:      runtime.NumCPU(),
		Start:     scopehub.ScopehubStartTime,
	}
	db := sessiondb.StartConnection(activity, abort)
	if !db.IsConnected() {
		fmt.Println("No ClickHouse server found; running without session recording")
	}

	go scopehub.RunClientUpdater(scopehub.Ports.Status, abort)
	go framering.RunPublisher(ring, scopehub.Ports.Frames, abort, scopehub.ProblemLogger)

	deviceControl := scopehub.NewDeviceControl(camera, stage, db)
	scopehub.RunRPCServer(deviceControl, scopehub.Ports.RPC)
	close(abort)
	writeMemoryProfile(memprofile)
}

// writeMemoryProfile writes the memory use profile to the indicated file.
// If `memprofile` points to an empty string, do not write.
func writeMemoryProfile(memprofile *string) {
	if *memprofile == "" {
		return
	}

	f, err := os.Create(*memprofile)
	if err != nil {
		log.Fatal("could not create memory profile: ", err)
	}
	defer f.Close()
	runtime.GC()
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Fatal("could not write memory profile: ", err)
	}
}
