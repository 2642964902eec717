// cow-demo 演示块设备层最核心的一个机制：快照之后的写时复制。
//
// 一个 VDI 的 inode 里有一张所有权表 (OwnerOf)：第 idx 项记录第 idx 个
// 4 MiB 数据对象归哪个 vid 所有。打快照时新的当前卷直接复制这张表——
// 不复制任何数据。之后第一次写某个继承来的对象时，客户端才让服务端
// 把旧对象拷一份再写 (COW)，所有权转到自己名下。
//
// 跑起来看输出就能明白数据是什么时候才真正被复制的。
package main

import (
	"bytes"
	"fmt"
	"log"

	"sheepvault/pkg/device"
	"sheepvault/pkg/sheeptest"
	"sheepvault/pkg/types"
	"sheepvault/pkg/vdi"
)

func main() {
	// 1. 进程内起一个单节点，客户端走真实的 TCP + 线协议
	node, err := sheeptest.Start(sheeptest.Config{})
	if err != nil {
		log.Fatal(err)
	}
	defer node.Close()
	opts := vdi.Options{Addr: node.Addr()}

	// 2. 建一个 16 MiB 的卷 (4 个数据对象) 并写满前两个对象的开头
	if _, err := vdi.Create(opts, "demo", 16*1024*1024, 0); err != nil {
		log.Fatal(err)
	}
	d, err := device.Open(opts, "demo")
	if err != nil {
		log.Fatal(err)
	}

	if err := d.WriteAt(bytes.Repeat([]byte("A"), 1024), 0); err != nil {
		log.Fatal(err)
	}
	if err := d.WriteAt(bytes.Repeat([]byte("B"), 1024), int64(types.DataObjSize)); err != nil {
		log.Fatal(err)
	}
	fmt.Println("After initial writes:")
	printOwners(d)
	d.Close()

	// 3. 打快照。注意：没有任何数据对象被复制
	snapVid, err := node.Snapshot("demo", "golden")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("\nSnapshot taken (old vid %s is now read-only)\n", snapVid)

	d, err = device.Open(opts, "demo")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("New current vdi inherits the ownership table:")
	printOwners(d)

	// 4. 改 idx 0 中间的 16 字节。这一笔写触发 COW：
	//    服务端先把旧对象整个拷过来，再落这 16 字节
	if err := d.WriteAt([]byte("COW happens here"), 512); err != nil {
		log.Fatal(err)
	}
	fmt.Println("\nAfter a 16-byte write into idx 0:")
	printOwners(d)
	d.Close()

	// 5. 快照里的数据完好如初
	snap, err := device.OpenSnapshot(opts, "demo", "golden", 0)
	if err != nil {
		log.Fatal(err)
	}
	defer snap.Close()

	buf := make([]byte, 16)
	if err := snap.ReadAt(buf, 512); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("\nSnapshot still reads %q at offset 512\n", buf)
}

// printOwners 打印前 4 个 index 的所有权状态
func printOwners(d *device.Device) {
	ino := d.Session().Inode()
	for idx := uint32(0); idx < 4; idx++ {
		owner := ino.OwnerOf[idx]
		state := "unallocated (reads as zeros)"
		switch {
		case owner == ino.Vid:
			state = "owned (in-place writes)"
		case owner != 0:
			state = fmt.Sprintf("inherited from %s (COW before write)", owner)
		}
		fmt.Printf("  idx %d: %s\n", idx, state)
	}
}
