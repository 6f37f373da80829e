package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"syscall"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	usrp "github.com/redrabbit329/usrp-fpga"
	"github.com/redrabbit329/usrp-fpga/internal/acqdb"
)

var githash = "githash not computed"
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

	// Create directory <path>, if needed
	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		err2 := os.MkdirAll(dir, 0775)
		if err2 != nil {
			return "", err2
		}
	}

	// Create an empty file path/filename, if it doesn't exist.
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

// setupViper sets up the viper configuration manager: says where to find config
// files and the filename and suffix. Sets some defaults.
func setupViper() error {
	viper.SetDefault("Verbose", false)

	HOME, err := os.UserHomeDir()
	if err != nil { // Handle errors reading the config file
		fmt.Printf("Error finding User Home Dir: %s\n", err)
	}
	dotUsrprx := filepath.Join(HOME, ".usrprx")
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotUsrprx, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(filepath.FromSlash("/etc/usrprx"))
	viper.AddConfigPath(dotUsrprx)
	viper.AddConfigPath(".")
	err = viper.ReadInConfig() // Find and read the config file
	if err != nil {            // Handle errors reading the config file
		return fmt.Errorf("error reading config file: %s", err)
	}
	return nil
}

// loadDAQConfig assembles the DAQ configuration from viper. Keys left
// out of the config file fall back to a simulated ramp source with the
// built-in rates.
func loadDAQConfig() usrp.DAQConfig {
	var src usrp.SourceConfig
	if err := viper.UnmarshalKey("source", &src); err != nil {
		log.Printf("could not parse the source configuration: %v\n", err)
	}
	return usrp.DAQConfig{
		Source:      src,
		TickRate:    viper.GetInt("tickrate"),
		BufferWords: viper.GetInt("bufferwords"),
		SourceID:    viper.GetUint32("sourceid"),
		CaptureDir:  viper.GetString("capturedir"),
	}
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

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1) // workaround for Make problems
	usrp.Build.Date = buildDate
	usrp.Build.Githash = githash

	printVersion := flag.Bool("version", false, "print version and quit")
	verbose := flag.Bool("verbose", false, "dump the loaded configuration at startup")
	cpuprofile := flag.String("cpuprofile", "", "write CPU profile to given file")
	memprofile := flag.String("memprofile", "", "write memory profile to given file")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is usrprxd version %s\n", usrp.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		fmt.Printf("Running on %d CPUs.\n", runtime.NumCPU())
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is usrprxd version %s (git commit %s)\n", usrp.Build.Version, githash)
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
	logdir := filepath.Join(HOME, ".usrprx", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	usrp.ProblemLogger = startLogger(problemname)
	usrp.UpdateLogger = startLogger(logname)
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging client updates to %s\n\n", logname)
	usrp.UpdateLogger.Printf("\n\n\n\n%s", banner)

	// Find config file, creating it if needed, and read it.
	if err := setupViper(); err != nil {
		panic(err)
	}

	cfg := loadDAQConfig()
	if *verbose || viper.GetBool("Verbose") {
		log.Println("DAQ configuration:")
		log.Println(spew.Sdump(cfg))
	}

	// Open the acquisition database and enter this session.
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "host not detected"
	}
	abortDB := make(chan struct{})
	session := &acqdb.SessionMessage{
		ID:        ulid.Make().String(),
		Hostname:  hostname,
		Githash:   githash,
		Version:   usrp.Build.Version,
		GoVersion: runtime.Version(),
		CPUs:      runtime.NumCPU(),
		Start:     time.Now(),
	}
	db := acqdb.StartConnection(session, abortDB)

	messageChan := make(chan usrp.ClientUpdate)
	abortUpdater := make(chan struct{})
	sender, err := usrp.NewPacketPublisher(usrp.Ports.Packets)
	if err != nil {
		log.Fatal(err)
	}
	daq, err := usrp.NewDAQ(cfg, sender, messageChan, db)
	if err != nil {
		log.Fatal(err)
	}
	if err := daq.Start(); err != nil {
		log.Fatal(err)
	}

	var g errgroup.Group
	g.Go(func() error {
		usrp.RunClientUpdater(messageChan, usrp.Ports.Status, abortUpdater)
		return nil
	})
	go usrp.RunRPCServer(messageChan, usrp.Ports.RPC, daq)

	// Run until interrupted, then unwind: the DAQ first, so captures
	// flush and the last acquisition closes out, then the updater and
	// the database.
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt
	fmt.Println("\nusrprxd shutting down")
	if daq.GetState() == usrp.Active {
		daq.Stop()
	}
	close(abortUpdater)
	close(abortDB)
	g.Wait()
	db.Wait()
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
	defer f.Close() // error handling omitted for example
	runtime.GC()    // get up-to-date statistics
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Fatal("could not write memory profile: ", err)
	}
}
